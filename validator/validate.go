// Package validator checks configuration structs against their validate
// tags and reports failures as translated, readable messages.
package validator

import (
	stderrors "errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTrans "github.com/go-playground/validator/v10/translations/en"
	zhTrans "github.com/go-playground/validator/v10/translations/zh"

	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log"
	"github.com/kochabonline/scr/transport"
)

var (
	Validate *validator.Validate
	TransEn  ut.Translator
	TransZh  ut.Translator
)

func init() {
	initValidator()
}

func initValidator() {
	Validate = validator.New(validator.WithRequiredStructEnabled())

	uni := ut.New(en.New(), zh.New())
	TransEn, _ = uni.GetTranslator("en")
	TransZh, _ = uni.GetTranslator("zh")

	if err := enTrans.RegisterDefaultTranslations(Validate, TransEn); err != nil {
		log.Errorf("validator en translations: %v", err)
	}
	if err := zhTrans.RegisterDefaultTranslations(Validate, TransZh); err != nil {
		log.Errorf("validator zh translations: %v", err)
	}

	// fields are reported under the name they have in configuration files
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if label := fld.Tag.Get("label"); label != "" {
			return label
		}
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := registerAddress(); err != nil {
		log.Errorf("validator address tag: %v", err)
	}
}

// registerAddress adds the "address" tag: host:port with a numeric port.
func registerAddress() error {
	if err := Validate.RegisterValidation("address", func(fl validator.FieldLevel) bool {
		return transport.ValidateAddress(fl.Field().String())
	}); err != nil {
		return err
	}
	for trans, text := range map[ut.Translator]string{
		TransEn: "{0} must be a host:port address",
		TransZh: "{0}必须是host:port格式的地址",
	} {
		if err := RegisterTranslation("address", trans, func(t ut.Translator) error {
			return t.Add("address", text, true)
		}, func(t ut.Translator, fe validator.FieldError) string {
			msg, _ := t.T("address", fe.Field())
			return msg
		}); err != nil {
			return err
		}
	}
	return nil
}

func RegisterValidation(tag string, fn validator.Func) error {
	return Validate.RegisterValidation(tag, fn)
}

func RegisterTranslation(tag string, trans ut.Translator, registerFn validator.RegisterTranslationsFunc, translationFn validator.TranslationFunc) error {
	return Validate.RegisterTranslation(tag, trans, registerFn, translationFn)
}

// Struct validates target with English messages.
func Struct(target any) error {
	return StructTrans(target, "en")
}

// StructTrans validates target. Failures are InvalidArgument errors whose
// message joins the translated field errors; language picks zh or en.
func StructTrans(target any, language string) error {
	err := Validate.Struct(target)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.Wrap(err, errors.CodeInvalidArgument, "cannot validate %T", target)
	}

	trans := TransEn
	if strings.HasPrefix(language, "zh") {
		trans = TransZh
	}

	var sb strings.Builder
	for _, e := range fieldErrs {
		if sb.Len() > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(e.Translate(trans))
	}
	return errors.InvalidArgument("%s", sb.String())
}
