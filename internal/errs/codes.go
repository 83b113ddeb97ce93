package errs

type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeGatingDenied    Code = "GATING_DENIED"
	CodeTransportDown   Code = "TRANSPORT_DOWN"
	CodeUploadTimeout   Code = "UPLOAD_TIMEOUT"
	CodePipelineBusy    Code = "PIPELINE_BUSY"
	CodeInternal        Code = "INTERNAL"
)
