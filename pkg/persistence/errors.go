package persistence

import (
	"regexp"
	"strings"
)

// ErrorCode is the user-facing failure taxonomy.
type ErrorCode string

const (
	CodeParseFailed           ErrorCode = "PARSE_FAILED"
	CodeEncrypted             ErrorCode = "ENCRYPTED"
	CodeScannedImage          ErrorCode = "SCANNED_IMAGE"
	CodeTextTooShort          ErrorCode = "TEXT_TOO_SHORT"
	CodeLLMTimeout            ErrorCode = "LLM_TIMEOUT"
	CodeLLMError              ErrorCode = "LLM_ERROR"
	CodeStorageError          ErrorCode = "STORAGE_ERROR"
	CodeMissingRequiredFields ErrorCode = "MISSING_REQUIRED_FIELDS"
	CodeMultiIdentity         ErrorCode = "MULTI_IDENTITY"
	CodeInsufficientCredits   ErrorCode = "INSUFFICIENT_CREDITS"
	CodeRaceCondition         ErrorCode = "RACE_CONDITION"
	CodeUnknown               ErrorCode = "UNKNOWN"
)

// classifier maps raw error-message patterns onto codes, checked in order.
var classifier = []struct {
	re   *regexp.Regexp
	code ErrorCode
}{
	{regexp.MustCompile(`(?i)race.?condition|concurrent update`), CodeRaceCondition},
	{regexp.MustCompile(`(?i)insufficient.?credit`), CodeInsufficientCredits},
	{regexp.MustCompile(`(?i)multi.?identity|multiple identit`), CodeMultiIdentity},
	{regexp.MustCompile(`(?i)missing required|required field`), CodeMissingRequiredFields},
	{regexp.MustCompile(`(?i)encrypted|password.?protected`), CodeEncrypted},
	{regexp.MustCompile(`(?i)scanned|image.?only|no extractable text`), CodeScannedImage},
	{regexp.MustCompile(`(?i)text too short|too little text`), CodeTextTooShort},
	{regexp.MustCompile(`(?i)(llm|provider|model).*(timeout|deadline)|deadline exceeded`), CodeLLMTimeout},
	{regexp.MustCompile(`(?i)llm|provider|completion|all providers failed`), CodeLLMError},
	{regexp.MustCompile(`(?i)storage|download|bucket|object not found`), CodeStorageError},
	{regexp.MustCompile(`(?i)parse|extract|corrupt|unsupported`), CodeParseFailed},
}

// Classify maps a raw error onto the taxonomy; unmatched errors are UNKNOWN.
func Classify(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	msg := err.Error()
	for _, c := range classifier {
		if c.re.MatchString(msg) {
			return c.code
		}
	}
	return CodeUnknown
}

// userMessages localizes each code; Korean first, English fallback.
var userMessages = map[ErrorCode][2]string{
	CodeParseFailed:           {"이력서 파일을 읽을 수 없습니다. 파일을 확인해 주세요.", "The résumé file could not be read. Please check the file."},
	CodeEncrypted:             {"암호화된 파일은 처리할 수 없습니다. 암호를 해제한 후 다시 올려 주세요.", "Encrypted files cannot be processed. Remove the password and upload again."},
	CodeScannedImage:          {"스캔 이미지 형식의 이력서는 처리할 수 없습니다.", "Scanned-image résumés cannot be processed."},
	CodeTextTooShort:          {"이력서에서 충분한 텍스트를 찾지 못했습니다.", "Not enough text could be found in the résumé."},
	CodeLLMTimeout:            {"분석 시간이 초과되었습니다. 잠시 후 다시 시도해 주세요.", "Analysis timed out. Please retry shortly."},
	CodeLLMError:              {"분석 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요.", "Analysis failed. Please retry shortly."},
	CodeStorageError:          {"파일을 가져오지 못했습니다. 다시 업로드해 주세요.", "The file could not be fetched. Please upload it again."},
	CodeMissingRequiredFields: {"이름과 연락처를 찾지 못해 저장할 수 없습니다.", "The record could not be saved: name and contact details were not found."},
	CodeMultiIdentity:         {"한 파일에 여러 사람의 정보가 포함되어 있어 처리할 수 없습니다.", "The file contains more than one person's details and cannot be processed."},
	CodeInsufficientCredits:   {"크레딧이 부족합니다.", "Insufficient credits."},
	CodeRaceCondition:         {"동시에 수정이 발생했습니다. 다시 시도해 주세요.", "A concurrent update occurred. Please retry."},
	CodeUnknown:               {"알 수 없는 오류가 발생했습니다.", "An unknown error occurred."},
}

// UserMessage returns the localized message for a code. lang is a BCP-47
// prefix; anything other than "ko" falls back to English.
func UserMessage(code ErrorCode, lang string) string {
	msgs, ok := userMessages[code]
	if !ok {
		msgs = userMessages[CodeUnknown]
	}
	if strings.HasPrefix(strings.ToLower(lang), "ko") {
		return msgs[0]
	}
	return msgs[1]
}

// Permanent reports whether a code must not be retried by the queue.
func Permanent(code ErrorCode) bool {
	switch code {
	case CodeEncrypted, CodeScannedImage, CodeTextTooShort, CodeMissingRequiredFields,
		CodeMultiIdentity, CodeParseFailed, CodeInsufficientCredits:
		return true
	}
	return false
}

// Rejectable reports whether a code reflects a problem with the submitted
// document or account rather than a processing fault. Rejectable runs end
// as "rejected"; other terminal failures (a corrupt file, an exhausted
// provider) end as "failed".
func Rejectable(code ErrorCode) bool {
	switch code {
	case CodeEncrypted, CodeScannedImage, CodeTextTooShort,
		CodeMissingRequiredFields, CodeMultiIdentity, CodeInsufficientCredits:
		return true
	}
	return false
}
