package live

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"ordersync/internal/domain"
)

// OrderToStruct encodes an order snapshot for the feed. Prices travel as
// decimal strings and times as RFC 3339 strings.
func OrderToStruct(o domain.Order) (*structpb.Struct, error) {
	info := make(map[string]any, len(o.Info))
	for k, v := range o.Info {
		info[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"account":         o.Account,
		"ref":             int64(o.Ref),
		"client_order_id": o.ClientOrderID,
		"owner":           o.Owner,
		"class_code":      o.ClassCode,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"size":            o.Size,
		"exec_type":       string(o.ExecType),
		"price":           o.Price.String(),
		"price_limit":     o.PriceLimit.String(),
		"oco":             int64(o.OCO),
		"parent":          int64(o.Parent),
		"transmit":        o.Transmit,
		"broker_order_id": o.BrokerOrderID,
		"stop_order_id":   o.StopOrderID,
		"status":          string(o.Status),
		"executed_size":   o.Executed.Size,
		"executed_price":  o.Executed.Price.String(),
		"executed_pnl":    o.Executed.PnL.String(),
		"remaining":       o.Executed.Remaining,
		"reason":          o.Reason,
		"info":            info,
		"created_at":      o.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      o.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"version":         int64(o.Version),
	})
}

// StructToOrder decodes a feed message. Execution bits and terms are not
// carried by the feed.
func StructToOrder(s *structpb.Struct) (domain.Order, error) {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	num := func(k string) int64 { return int64(f[k].GetNumberValue()) }
	dec := func(k string) (decimal.Decimal, error) {
		v := str(k)
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %s: %w", k, err)
		}
		return d, nil
	}
	ts := func(k string) (time.Time, error) {
		v := str(k)
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %s: %w", k, err)
		}
		return t, nil
	}

	o := domain.Order{
		Account:       str("account"),
		Ref:           domain.Ref(num("ref")),
		ClientOrderID: str("client_order_id"),
		Owner:         str("owner"),
		ClassCode:     str("class_code"),
		Symbol:        str("symbol"),
		Side:          domain.OrderSide(str("side")),
		Size:          num("size"),
		ExecType:      domain.ExecType(str("exec_type")),
		OCO:           domain.Ref(num("oco")),
		Parent:        domain.Ref(num("parent")),
		Transmit:      f["transmit"].GetBoolValue(),
		BrokerOrderID: str("broker_order_id"),
		StopOrderID:   str("stop_order_id"),
		Status:        domain.OrderStatus(str("status")),
		Reason:        str("reason"),
		Version:       uint64(num("version")),
	}
	o.Executed.Size = num("executed_size")
	o.Executed.Remaining = num("remaining")

	var err error
	if o.Price, err = dec("price"); err != nil {
		return o, err
	}
	if o.PriceLimit, err = dec("price_limit"); err != nil {
		return o, err
	}
	if o.Executed.Price, err = dec("executed_price"); err != nil {
		return o, err
	}
	if o.Executed.PnL, err = dec("executed_pnl"); err != nil {
		return o, err
	}
	if o.CreatedAt, err = ts("created_at"); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = ts("updated_at"); err != nil {
		return o, err
	}

	if info := f["info"].GetStructValue(); info != nil {
		o.Info = make(map[string]string, len(info.GetFields()))
		for k, v := range info.GetFields() {
			o.Info[k] = v.GetStringValue()
		}
	}
	return o, nil
}
