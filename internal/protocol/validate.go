package protocol

import (
	"github.com/go-playground/validator/v10"
)

// validate is a single, package-wide validator instance — the teacher's
// contrib/validator/playground driver does the same: one *validator.Validate
// built once and reused across calls, since a fresh instance recompiles its
// struct-tag cache each time.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateMessage, Message{})
	return v
}

// validateMessage implements the cross-field invariants a struct tag alone
// can't express: which fields are required depends on Type, and the
// register payload is restricted to the two role literals only for that one
// Type.
func validateMessage(sl validator.StructLevel) {
	m := sl.Current().Interface().(Message)

	switch m.Type {
	case TypeRegister:
		if m.Topic == "" {
			sl.ReportError(m.Topic, "Topic", "Topic", "required_for_register", "")
		}
		if m.Payload != string(RolePublisher) && m.Payload != string(RoleSubscriber) {
			sl.ReportError(m.Payload, "Payload", "Payload", "role", "")
		}
	case TypeUnregister, TypePublish:
		if m.Topic == "" {
			sl.ReportError(m.Topic, "Topic", "Topic", "required_for_type", "")
		}
	case TypeAck:
		if m.MessageID == 0 {
			sl.ReportError(m.MessageID, "MessageID", "MessageID", "required_for_ack", "")
		}
	case TypeHeartbeat:
		// no required fields
	}
}
