package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"carwash/pkg/utils"
)

// EventTypeOrder is the type tag of order_<id> events
const EventTypeOrder = "order"

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnexpectedType   = errors.New("unexpected event type")
	ErrInvalidStatus    = errors.New("invalid order status")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return utils.ValidIdent(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(obj interface{}) error {
	if err := validate.Struct(obj); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid fields %s", ErrMalformedPayload, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

type orderEvent struct {
	Data *orderEventBody `json:"data"`
}

type orderEventBody struct {
	Type string         `json:"type"`
	Data *OrderSnapshot `json:"data"`
}

type paymentAssignment struct {
	Data *PaymentSession `json:"data"`
}

// DecodeOrderEvent parses {"data":{"type":"order","data":<OrderSnapshot>}}
func DecodeOrderEvent(payload []byte) (*OrderSnapshot, error) {
	var ev orderEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.Data == nil || ev.Data.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if ev.Data.Type != EventTypeOrder {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedType, ev.Data.Type)
	}
	if err := ev.Data.Data.Validate(); err != nil {
		return nil, err
	}
	return ev.Data.Data, nil
}

// EncodeOrderEvent builds the order_<id> payload
func EncodeOrderEvent(o *OrderSnapshot) ([]byte, error) {
	if o == nil {
		return nil, fmt.Errorf("%w: nil order", ErrMalformedPayload)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(orderEvent{Data: &orderEventBody{Type: EventTypeOrder, Data: o}})
}

// DecodePaymentAssignment parses {"data":<PaymentSession>}
func DecodePaymentAssignment(payload []byte) (*PaymentSession, error) {
	var pa paymentAssignment
	if err := json.Unmarshal(payload, &pa); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if pa.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if err := pa.Data.Validate(); err != nil {
		return nil, err
	}
	return pa.Data, nil
}

// EncodePaymentAssignment builds the kiosk_payment_<deviceId> payload
func EncodePaymentAssignment(ps *PaymentSession) ([]byte, error) {
	if ps == nil {
		return nil, fmt.Errorf("%w: nil payment session", ErrMalformedPayload)
	}
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(paymentAssignment{Data: ps})
}

// Validate runs struct validation on any model value
func Validate(obj interface{}) error {
	return validateStruct(obj)
}
