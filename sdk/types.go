package sdk

// ===== Request types =====

// PostMessageRequest is the body of a message post
type PostMessageRequest struct {
	Content     string `json:"content"`
	ClientMsgId string `json:"clientMsgId,omitempty"`
}

// StartConversationRequest is the body of a start-chat call
type StartConversationRequest struct {
	OtherUserId string `json:"otherUserId"`
}
