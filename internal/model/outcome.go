package model

// OutcomeKind tells the presenter how to render an outcome
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is the one message shown when an order reaches a terminal status
type Outcome struct {
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message"`
	Kind    OutcomeKind `json:"kind"`
}

var outcomes = map[OrderStatus]Outcome{
	StatusCompleted:    {Message: "Đã rửa xong", Kind: OutcomeSuccess},
	StatusSelfStop:     {Message: "Bạn đã dừng máy rửa", Kind: OutcomeSuccess},
	StatusRefunded:     {Message: "Đơn hàng đã được hoàn tiền", Kind: OutcomeError},
	StatusCanceled:     {Message: "Đơn hàng đã bị hủy", Kind: OutcomeError},
	StatusFailed:       {Message: "Thanh toán thất bại", Kind: OutcomeError},
	StatusAbnormalStop: {Message: "Máy rửa dừng bất thường", Kind: OutcomeError},
	StatusRejected:     {Message: "Đơn hàng bị từ chối", Kind: OutcomeError},
	StatusUnknown:      {Message: "Không xác định được trạng thái đơn hàng", Kind: OutcomeError},
}

// OutcomeFor returns the outcome of a terminal status. ok is false for active or
// invalid statuses.
func OutcomeFor(orderID string, status OrderStatus) (Outcome, bool) {
	out, ok := outcomes[status]
	if !ok {
		return Outcome{}, false
	}
	out.OrderID = orderID
	out.Status = status
	return out, true
}

// IsSuccess check outcome is a success
func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess
}
