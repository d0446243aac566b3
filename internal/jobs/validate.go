package jobs

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yourusername/media-forge/internal/apperr"
	"github.com/yourusername/media-forge/internal/engine"
)

const maxSourceURLBytes = 2048

var formatIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type createInput struct {
	Kind      string `validate:"required,oneof=video audio"`
	SourceURL string `validate:"required,source_url"`
	FormatID  string `validate:"required,format_id"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("format_id", func(fl validator.FieldLevel) bool {
		return formatIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("source_url", func(fl validator.FieldLevel) bool {
		return engine.IsSourceURL(fl.Field().String())
	})
	return v
}

// validateCreate はジョブ作成の入力を検証し、正規化した値を返します。
func validateCreate(kind engine.Kind, sourceURL, formatID string) (engine.Kind, string, string, error) {
	in := createInput{
		Kind:      strings.ToLower(strings.TrimSpace(string(kind))),
		SourceURL: strings.TrimSpace(sourceURL),
		FormatID:  strings.TrimSpace(formatID),
	}
	if len(in.SourceURL) > maxSourceURLBytes {
		return "", "", "", apperr.InvalidInput("url が長すぎます。")
	}
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return "", "", "", apperr.InvalidInput(fieldMessage(verrs[0]))
		}
		return "", "", "", apperr.InvalidInput("入力内容が不正です。")
	}
	return engine.Kind(in.Kind), in.SourceURL, in.FormatID, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "Kind":
		return "type には video または audio を指定してください。"
	case "SourceURL":
		return "url に http(s) のURLを指定してください。"
	case "FormatID":
		return "format_id が不正です。"
	default:
		return "入力内容が不正です。"
	}
}
