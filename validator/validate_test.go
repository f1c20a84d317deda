package validator

import (
	"testing"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochabonline/scr/errors"
)

type listener struct {
	Name    string `mapstructure:"name" validate:"required,min=3"`
	Addr    string `mapstructure:"addr" validate:"omitempty,address"`
	Workers int    `mapstructure:"workers" validate:"gte=1" label:"worker count"`
}

type server struct {
	Listeners []listener `mapstructure:"listeners" validate:"dive"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(listener{Name: "http", Addr: ":8080", Workers: 1}))
	require.NoError(t, Struct(listener{Name: "http", Workers: 1}), "empty address is allowed")

	err := Struct(listener{Name: "h", Addr: "localhost", Workers: 0})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidArgument(err))
	msg := errors.FromError(err).Message
	assert.Contains(t, msg, "name must be at least 3 characters in length")
	assert.Contains(t, msg, "addr must be a host:port address")
	assert.Contains(t, msg, "worker count must be 1 or greater")
}

func TestStructTransZh(t *testing.T) {
	err := StructTrans(listener{Name: "http", Addr: "nope", Workers: 1}, "zh-CN")
	require.Error(t, err)
	assert.Equal(t, "addr必须是host:port格式的地址", errors.FromError(err).Message)
}

func TestStructDive(t *testing.T) {
	err := Struct(server{Listeners: []listener{{Name: "ok", Workers: 1}}})
	require.Error(t, err)
	assert.Contains(t, errors.FromError(err).Message, "name")
}

func TestStructRejectsNonStruct(t *testing.T) {
	err := Struct(42)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestRegisterValidation(t *testing.T) {
	type pid struct {
		PID string `mapstructure:"pid" validate:"factorypid"`
	}
	require.NoError(t, RegisterValidation("factorypid", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			if r == '~' {
				return true
			}
		}
		return false
	}))
	require.NoError(t, RegisterTranslation("factorypid", TransEn, func(t ut.Translator) error {
		return t.Add("factorypid", "{0} must name a factory instance", true)
	}, func(t ut.Translator, fe validator.FieldError) string {
		msg, _ := t.T("factorypid", fe.Field())
		return msg
	}))

	assert.NoError(t, Struct(pid{PID: "pool~one"}))
	err := Struct(pid{PID: "pool"})
	require.Error(t, err)
	assert.Equal(t, "pid must name a factory instance", errors.FromError(err).Message)
}
