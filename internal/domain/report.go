package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportKind classifies an execution report.
type ReportKind string

const (
	ReportFill     ReportKind = "fill"
	ReportCanceled ReportKind = "canceled"
	ReportRejected ReportKind = "rejected"
	ReportExpired  ReportKind = "expired"
	ReportPing     ReportKind = "ping"
)

// Fill is one trade against an order. Qty is unsigned; the side comes from
// the order.
type Fill struct {
	ID    string
	Time  time.Time
	Qty   int64
	Price decimal.Decimal
}

// ExecutionReport is a message from the account's trade stream.
type ExecutionReport struct {
	Kind          ReportKind
	BrokerOrderID string
	Fills         []Fill
	Time          time.Time // server time, set on every report kind
	Reason        string
}
