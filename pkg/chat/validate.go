package chat

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateIdentity checks an identity decoded from the server.
func ValidateIdentity(id Identity) error {
	if err := validatorInstance().Struct(id); err != nil {
		return errors.Wrap(err, "invalid identity")
	}
	return nil
}

// ValidateChat checks a chat decoded from the server.
func ValidateChat(c Chat) error {
	if err := validatorInstance().Struct(c); err != nil {
		return errors.Wrapf(err, "invalid chat %d", c.ID)
	}
	return nil
}

// ValidateMessage checks the shape of a message. Server-delivered messages must also carry an
// id, see ValidateStoredMessage.
func ValidateMessage(m Message) error {
	if err := validatorInstance().Struct(m); err != nil {
		return errors.Wrap(err, "invalid message")
	}
	return nil
}

// ValidateStoredMessage checks a message that the server claims to have stored.
func ValidateStoredMessage(m Message) error {
	if err := ValidateMessage(m); err != nil {
		return err
	}
	if m.ID <= 0 {
		return errors.Errorf("invalid message: missing server id (chat %d)", m.ChatID)
	}
	return nil
}
