package protocol

// RPC method name constants.
const (
	// Chat
	MethodChatSend   = "chat.send"
	MethodChatAbort  = "chat.abort"
	MethodChatResume = "chat.resume"

	// Threads
	MethodThreadsCreate = "threads.create"
	MethodThreadsList   = "threads.list"
	MethodThreadsExists = "threads.exists"

	// Approvals
	MethodApprovalsList    = "approvals.list"
	MethodApprovalsResolve = "approvals.resolve"

	// Schedules
	MethodSchedulesList   = "schedules.list"
	MethodSchedulesCreate = "schedules.create"
	MethodSchedulesDelete = "schedules.delete"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
