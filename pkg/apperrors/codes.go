package apperrors

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeAuthRejected     Code = "AUTH_REJECTED"
	CodeConnect          Code = "CONNECT_FAILED"
	CodeSubscribeTimeout Code = "SUBSCRIBE_TIMEOUT"
	CodeSend             Code = "SEND_FAILED"
	CodeEdit             Code = "EDIT_FAILED"
	CodeDelete           Code = "DELETE_FAILED"
	CodeParse            Code = "PARSE_FAILED"
	CodeNotEligible      Code = "NOT_ELIGIBLE"
	CodeNotFound         Code = "NOT_FOUND"
)
