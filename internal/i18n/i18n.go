// Package i18n renders user-facing messages in Korean or English.
//
// Errors keep their raw form for logs; only the reporting layer calls into
// this package.
package i18n

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/locales"
	"github.com/go-playground/locales/currency"
	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/ko"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// Supported languages
const (
	Korean  = "ko"
	English = "en"
)

// Message keys
const (
	MsgUnauthenticated     = "err.unauthenticated"
	MsgUserRejected        = "err.user_rejected"
	MsgChain               = "err.chain"
	MsgTransient           = "err.transient"
	MsgValidation          = "err.validation"
	MsgInsufficientBalance = "err.insufficient_balance"
	MsgSessionNotFound     = "err.session_not_found"
	MsgSessionNotRunning   = "err.session_not_running"
	MsgExtensionLimit      = "err.extension_limit"
	MsgUnknown             = "err.unknown"

	MsgStageBlockchain = "stage.blockchain"
	MsgStageHub        = "stage.hub"
	MsgStageComplete   = "stage.complete"
	MsgStageError      = "stage.error"

	MsgPendingCountdown = "pending.countdown"
	MsgPendingExpired   = "pending.expired"
	MsgExpiryWarning    = "expiry.warning"
	MsgExpiryCritical   = "expiry.critical"
)

var catalog = map[string]map[string]string{
	Korean: {
		MsgUnauthenticated:     "지갑 연결 또는 로그인이 필요합니다.",
		MsgUserRejected:        "지갑에서 트랜잭션이 거부되었습니다.",
		MsgChain:               "블록체인 트랜잭션이 실패했습니다.",
		MsgTransient:           "서버가 일시적으로 응답하지 않습니다. 잠시 후 다시 시도하세요.",
		MsgValidation:          "요청이 거부되었습니다: {0}",
		MsgInsufficientBalance: "잔액이 부족합니다.",
		MsgSessionNotFound:     "세션을 찾을 수 없습니다.",
		MsgSessionNotRunning:   "실행 중인 세션이 아닙니다.",
		MsgExtensionLimit:      "연장 가능 횟수를 초과했습니다.",
		MsgUnknown:             "알 수 없는 오류가 발생했습니다.",

		MsgStageBlockchain: "블록체인 트랜잭션 처리 중",
		MsgStageHub:        "세션 확인 중",
		MsgStageComplete:   "세션이 시작되었습니다",
		MsgStageError:      "세션 시작 실패",

		MsgPendingCountdown: "확인 마감까지 {0} 남음",
		MsgPendingExpired:   "확인 시간이 만료되었습니다.",
		MsgExpiryWarning:    "세션 종료까지 {0} 남음",
		MsgExpiryCritical:   "세션이 곧 종료됩니다 ({0} 남음). 연장하세요.",
	},
	English: {
		MsgUnauthenticated:     "Connect a wallet and sign in first.",
		MsgUserRejected:        "The transaction was rejected in the wallet.",
		MsgChain:               "The blockchain transaction failed.",
		MsgTransient:           "The server is temporarily unavailable. Try again shortly.",
		MsgValidation:          "The request was rejected: {0}",
		MsgInsufficientBalance: "Insufficient balance.",
		MsgSessionNotFound:     "Session not found.",
		MsgSessionNotRunning:   "The session is not running.",
		MsgExtensionLimit:      "The extension limit has been reached.",
		MsgUnknown:             "An unknown error occurred.",

		MsgStageBlockchain: "Processing blockchain transaction",
		MsgStageHub:        "Confirming session",
		MsgStageComplete:   "Session started",
		MsgStageError:      "Session start failed",

		MsgPendingCountdown: "{0} left to confirm",
		MsgPendingExpired:   "The confirmation window has expired.",
		MsgExpiryWarning:    "{0} until the session ends",
		MsgExpiryCritical:   "The session ends soon ({0} left). Extend it.",
	},
}

// korean validator messages; English uses the validator's bundled set
var koreanValidation = map[string]string{
	"required": "{0} 항목은 필수입니다",
	"min":      "{0} 값은 {1} 이상이어야 합니다",
	"max":      "{0} 값은 {1} 이하여야 합니다",
	"gt":       "{0} 값은 {1}보다 커야 합니다",
	"eth_addr": "{0} 항목은 올바른 주소여야 합니다",
}

// Translator renders catalog messages for one language
type Translator struct {
	lang  string
	trans ut.Translator
}

// New builds a translator for lang, falling back to Korean for unknown languages
func New(lang string) (*Translator, error) {
	uni := ut.New(ko.New(), ko.New(), en.New())

	lang = strings.ToLower(lang)
	if _, ok := catalog[lang]; !ok {
		lang = Korean
	}

	trans, _ := uni.GetTranslator(lang)
	keys := make([]string, 0, len(catalog[lang]))
	for k := range catalog[lang] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := trans.Add(k, catalog[lang][k], false); err != nil {
			return nil, fmt.Errorf("failed to register message %s: %w", k, err)
		}
	}

	return &Translator{lang: lang, trans: trans}, nil
}

// MustNew is New for static languages known to be valid
func MustNew(lang string) *Translator {
	t, err := New(lang)
	if err != nil {
		panic(err)
	}
	return t
}

// Lang returns the active language
func (t *Translator) Lang() string {
	return t.lang
}

// Locale exposes the underlying locale for number formatting
func (t *Translator) Locale() locales.Translator {
	return t.trans
}

// T renders key with positional params; unknown keys render as the key
func (t *Translator) T(key string, params ...string) string {
	s, err := t.trans.T(key, params...)
	if err != nil {
		return key
	}
	return s
}

// Currency formats a fiat amount, e.g. ₩4,800 or $3.60
func (t *Translator) Currency(amount float64, code string) string {
	c, ok := currencies[strings.ToUpper(code)]
	if !ok {
		return fmt.Sprintf("%s %s", t.trans.FmtNumber(amount, 2), strings.ToUpper(code))
	}
	digits := uint64(2)
	if c == currency.KRW || c == currency.JPY {
		digits = 0
	}
	return t.trans.FmtCurrency(amount, digits, c)
}

var currencies = map[string]currency.Type{
	"KRW": currency.KRW,
	"USD": currency.USD,
	"EUR": currency.EUR,
	"JPY": currency.JPY,
}

// RegisterValidator installs field error translations on v
func (t *Translator) RegisterValidator(v *validator.Validate) error {
	if t.lang == English {
		return en_translations.RegisterDefaultTranslations(v, t.trans)
	}

	for tag, text := range koreanValidation {
		text := text
		err := v.RegisterTranslation(tag, t.trans,
			func(tr ut.Translator) error {
				return tr.Add(tag, text, true)
			},
			func(tr ut.Translator, fe validator.FieldError) string {
				msg, err := tr.T(fe.Tag(), fe.Field(), fe.Param())
				if err != nil {
					return fe.Error()
				}
				return msg
			})
		if err != nil {
			return fmt.Errorf("failed to register %s translation: %w", tag, err)
		}
	}
	return nil
}

// Validation renders a validator error in the active language; other errors render as-is
func (t *Translator) Validation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := verrs.Translate(t.trans)
	parts := make([]string, 0, len(msgs))
	for _, fe := range verrs {
		if msg, ok := msgs[fe.Namespace()]; ok {
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, "; ")
}
