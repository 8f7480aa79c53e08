package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrReadOnly is returned before any gateway call when the user is neither owner nor editor.
	ErrReadOnly     = errors.New("list is read-only for this user")
	ErrNotOwner     = errors.New("only the owner may do this")
	ErrUnknownList  = errors.New("list is not loaded")
	ErrUnknownItem  = errors.New("item is not in the list")
	ErrEditorClosed = errors.New("editor is closed")
	ErrInvalidInput = errors.New("invalid input")

	// ErrOrderNotPersisted means a drag reorder was applied locally only; it will not survive a reload.
	ErrOrderNotPersisted = errors.New("list order kept locally, not sent to the backend")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type collaboratorInput struct {
	Email      string `validate:"required,email"`
	Permission string `validate:"omitempty,oneof=view edit"`
}

func validateCollaborator(email, permission string) error {
	err := validate.Struct(collaboratorInput{Email: email, Permission: permission})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}
