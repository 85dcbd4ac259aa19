package services

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid request", func(t *testing.T) {
		req := ReloadCardRequest{
			IdempotencyKey: "reload-1",
			CardID:         "card-1",
			UserID:         "user-1",
			Amount:         5000,
			SourceType:     SourceWallet,
		}
		assert.NoError(t, vh.ValidateStruct(&req))
	})

	t.Run("missing required fields", func(t *testing.T) {
		err := vh.ValidateStruct(&ReloadCardRequest{SourceType: "CHEQUE"})
		require.Error(t, err)

		var verrs validator.ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Len(t, verrs, 5) // key, card, user, amount, source
	})

	t.Run("tap request currency length", func(t *testing.T) {
		req := validTapRequest()
		req.Currency = "NAIRA"
		err := vh.Validate(&req)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Contains(t, verr.Fields, "Currency")
		assert.Contains(t, verr.Error(), "Currency")
	})
}

func TestFieldErrors(t *testing.T) {
	assert.Nil(t, FieldErrors(errors.New("plain")))

	err := NewValidationHelper().ValidateStruct(&ReloadCardRequest{})
	details := FieldErrors(err)
	assert.Equal(t, "Field Validation Failed on 'required' tag", details["CardID"])
}
