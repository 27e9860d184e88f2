package core

// error_messages.go maps ingestion errors to user-facing messages with codes
// for support reference.
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid input type: only .txt batch files are accepted
//	VAL002 - Missing column: reference table lacks a required column
//	VAL003 - Schema mismatch: batch columns differ from the master dataset
//	VAL004 - Upload too large / malformed form
//
// # External Tool Errors (EXT001-EXT099)
//
//	EXT001 - Converter failed with a nonzero exit code
//	EXT002 - Converter timed out
//	EXT003 - Converter unavailable (binary missing)
//
// # Join Errors (JOIN001-JOIN099)
//
//	JOIN001 - TELEPHONE column missing from the converted batch
//	JOIN002 - No phone number matched the prefix table
//
// # Concurrency Errors (CONC001-CONC099)
//
//	CONC001 - Another job is processing
//	CONC002 - Dataset lock wait timed out
//
// # I/O Errors (IO001-IO099)
//
//	IO001 - Disk write or rename failure during merge
//
// # Job Errors (JOB001-JOB099)
//
//	JOB001 - Job not found
//
// Sentinels are matched first via errors.Is, then the error Kind, then
// case-insensitive substrings. ERR000 is the fallback.

import (
	"errors"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgInvalidType = UserMessage{
		Message: "Only .txt batch files can be ingested",
		Action:  "Upload the raw export file, not a converted CSV",
		Code:    "VAL001",
	}
	msgMissingColumn = UserMessage{
		Message: "The reference table is missing a required column",
		Action:  "Check that the table has EZABPQM and Mnémo columns separated by ';'",
		Code:    "VAL002",
	}
	msgSchemaMismatch = UserMessage{
		Message: "The batch columns differ from the master dataset",
		Action:  "Purge the dataset or convert the batch with the same tool version",
		Code:    "VAL003",
	}
	msgUploadTooLarge = UserMessage{
		Message: "The upload is too large or the form is invalid",
		Action:  "Split the export into smaller files",
		Code:    "VAL004",
	}
	msgConverterFailed = UserMessage{
		Message: "The batch converter rejected the file",
		Action:  "Check that the export file is complete and not corrupted",
		Code:    "EXT001",
	}
	msgConverterTimeout = UserMessage{
		Message: "The batch converter timed out",
		Action:  "Split the export into smaller files and retry",
		Code:    "EXT002",
	}
	msgConverterMissing = UserMessage{
		Message: "The batch converter is unavailable",
		Action:  "Contact an administrator to install the converter",
		Code:    "EXT003",
	}
	msgMissingTelephone = UserMessage{
		Message: "The converted batch has no TELEPHONE column",
		Action:  "Check the export format",
		Code:    "JOIN001",
	}
	msgNoMatches = UserMessage{
		Message: "No phone number matched the reference table",
		Action:  "Check that the reference table is up to date",
		Code:    "JOIN002",
	}
	msgBusy = UserMessage{
		Message: "Another batch is being processed",
		Action:  "Wait for the current job to finish and try again",
		Code:    "CONC001",
	}
	msgLockTimeout = UserMessage{
		Message: "The master dataset is locked by another writer",
		Action:  "Retry later, or reset the lock if no job is running",
		Code:    "CONC002",
	}
	msgIO = UserMessage{
		Message: "The master dataset could not be written",
		Action:  "Check disk space and permissions; the dataset was not modified",
		Code:    "IO001",
	}
	msgJobNotFound = UserMessage{
		Message: "Job not found",
		Action:  "The job may have expired. Check the id or start a new job",
		Code:    "JOB001",
	}
	msgUnknown = UserMessage{
		Message: "An unexpected error occurred",
		Action:  "Please try again or contact support",
		Code:    "ERR000",
	}
)

// sentinelMessages is checked in order with errors.Is.
var sentinelMessages = []struct {
	err error
	msg UserMessage
}{
	{ErrBusy, msgBusy},
	{ErrLockTimeout, msgLockTimeout},
	{ErrJobNotFound, msgJobNotFound},
	{ErrMissingTelephone, msgMissingTelephone},
	{ErrNoMatches, msgNoMatches},
	{ErrSchemaMismatch, msgSchemaMismatch},
	{ErrInvalidInputType, msgInvalidType},
	{ErrMissingColumn, msgMissingColumn},
	{ErrConverterTimeout, msgConverterTimeout},
	{ErrConverterMissing, msgConverterMissing},
}

// kindMessages is the fallback per Kind.
var kindMessages = map[Kind]UserMessage{
	KindValidation:   msgInvalidType,
	KindExternalTool: msgConverterFailed,
	KindJoin:         msgMissingTelephone,
	KindConcurrency:  msgBusy,
	KindIO:           msgIO,
}

// patternMessages matches unclassified errors, lowercase substrings.
var patternMessages = []struct {
	pattern string
	msg     UserMessage
}{
	{"request body too large", msgUploadTooLarge},
	{"multipart", msgUploadTooLarge},
	{"no space left", msgIO},
	{"permission denied", msgIO},
}

// MapError converts a technical error to a user-friendly message.
// Returns an empty UserMessage for nil.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	if msg, ok := kindMessages[KindOf(err)]; ok {
		return msg
	}

	lower := strings.ToLower(err.Error())
	for _, p := range patternMessages {
		if strings.Contains(lower, p.pattern) {
			return p.msg
		}
	}

	return msgUnknown
}
