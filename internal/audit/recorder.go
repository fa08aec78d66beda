package audit

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"
)

// Recorder writes an audit point for every treasury mutation to InfluxDB.
// Writes are buffered and non-blocking; auditing is best-effort and never
// fails the operation it records. A nil Recorder is a no-op.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Config holds InfluxDB connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder connects the audit recorder. Returns nil when no URL is
// configured.
func NewRecorder(cfg Config) *Recorder {
	if cfg.URL == "" {
		return nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// Transfer records a vault balance mutation
func (r *Recorder) Transfer(ledgerID, op, caller, recipient string, amount decimal.Decimal, txHash string) {
	if r == nil {
		return
	}
	amt, _ := amount.Float64()
	p := influxdb2.NewPoint("vault_transfer",
		map[string]string{
			"ledger": ledgerID,
			"op":     op,
		},
		map[string]interface{}{
			"caller":    caller,
			"recipient": recipient,
			"amount":    amt,
			"tx_hash":   txHash,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// Settlement records one settlement pipeline stage transition
func (r *Recorder) Settlement(salt, transferID, sourceLedger, destLedger, stage string, amount decimal.Decimal) {
	if r == nil {
		return
	}
	amt, _ := amount.Float64()
	p := influxdb2.NewPoint("settlement",
		map[string]string{
			"source": sourceLedger,
			"dest":   destLedger,
			"stage":  stage,
		},
		map[string]interface{}{
			"salt":        salt,
			"transfer_id": transferID,
			"amount":      amt,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// Governance records a proposal lifecycle action
func (r *Recorder) Governance(proposalID, action, actor, state string) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("governance",
		map[string]string{
			"action": action,
			"state":  state,
		},
		map[string]interface{}{
			"proposal_id": proposalID,
			"actor":       actor,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// Close flushes buffered points and shuts the client down
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.writeAPI.Flush()
	r.client.Close()
}
