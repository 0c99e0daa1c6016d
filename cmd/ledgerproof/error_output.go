package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	"github.com/davidahmann/ledgerproof/core/fsx"
)

func writeJSONOutput(output any, exitCode int) int {
	encoded, err := marshalOutputWithErrorEnvelope(output, exitCode)
	if err != nil {
		fmt.Println(`{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return exitInvalidInput
	}
	fmt.Println(string(encoded))
	return exitCode
}

func marshalOutputWithErrorEnvelope(output any, exitCode int) ([]byte, error) {
	encoded, err := marshalJSON(output)
	if err != nil {
		return nil, err
	}
	result, err := unmarshalJSONToMap(encoded)
	if err != nil {
		return nil, err
	}
	errorText := strings.TrimSpace(asString(result["error"]))
	if errorText == "" {
		return marshalJSON(result)
	}
	if strings.TrimSpace(asString(result["error_code"])) == "" {
		result["error_code"] = defaultErrorCode(exitCode)
	}
	if strings.TrimSpace(asString(result["error_category"])) == "" {
		category := defaultErrorCategory(exitCode)
		result["error_category"] = string(category)
	}
	if _, exists := result["retryable"]; !exists {
		category := coreerrors.Category(asString(result["error_category"]))
		result["retryable"] = defaultRetryable(category)
	}
	if strings.TrimSpace(asString(result["hint"])) == "" {
		result["hint"] = defaultHint(exitCode)
	}
	return marshalJSON(result)
}

// errorFields carries the classification of a core error into the JSON
// envelope so error_code is more specific than the exit code default.
type errorFields struct {
	Code      string `json:"error_code,omitempty"`
	Category  string `json:"error_category,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func classify(err error) errorFields {
	if err == nil {
		return errorFields{}
	}
	details := coreerrors.DetailsOf(err)
	return errorFields{
		Code:      details.Code,
		Category:  string(details.Category),
		Hint:      details.Hint,
		Retryable: details.Retryable,
	}
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return exitInvalidInput
	case coreerrors.CategoryVerification, coreerrors.CategoryIntegrity:
		return exitVerifyFailed
	case coreerrors.CategoryDependencyMissing:
		return exitMissingDependency
	case coreerrors.CategoryIOFailure, coreerrors.CategoryStateContention, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	if stderrors.Is(err, fsx.ErrLockTimeout) {
		return exitInternalFailure
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "lock") || strings.Contains(msg, "contention") || strings.Contains(msg, "timeout") {
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitVerifyFailed:
		return coreerrors.CategoryVerification
	case exitMissingDependency:
		return coreerrors.CategoryDependencyMissing
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "invalid_input"
	case exitVerifyFailed:
		return "verification_failed"
	case exitMissingDependency:
		return "dependency_missing"
	default:
		return "internal_failure"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and input schema"
	case exitVerifyFailed:
		return "inspect the reported issues before trusting the artifact"
	case exitMissingDependency:
		return "configure the missing key or directory and retry"
	default:
		return "retry after checking local environment and logs"
	}
}

func defaultRetryable(category coreerrors.Category) bool {
	return coreerrors.RetryableByDefault(category)
}

func marshalJSON(value any) ([]byte, error) {
	return json.Marshal(value)
}

func unmarshalJSONToMap(payload []byte) (map[string]any, error) {
	output := map[string]any{}
	if err := json.Unmarshal(payload, &output); err != nil {
		return nil, err
	}
	return output, nil
}

func asString(value any) string {
	text, _ := value.(string)
	return text
}
