package mqtt

import (
	"time"

	"github.com/google/uuid"
)

// Message 消息外层信封（与 EdgeX MessageBus 的格式一致）
type Message struct {
	ApiVersion    string      `json:"apiVersion"`
	ReceivedTopic string      `json:"receivedTopic,omitempty"`
	CorrelationID string      `json:"correlationID"`
	RequestID     string      `json:"requestID"`
	ErrorCode     int         `json:"errorCode"`
	Payload       interface{} `json:"payload,omitempty"`
	ContentType   string      `json:"contentType"`
}

func newMessage(correlationID string, payload interface{}) Message {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Message{
		ApiVersion:    "v3",
		CorrelationID: correlationID,
		RequestID:     uuid.NewString(),
		Payload:       payload,
		ContentType:   "application/json",
	}
}

// CommandRequest <prefix>/command 上收到的命令
type CommandRequest struct {
	CorrelationID string      `json:"correlationID"`
	Command       string      `json:"command"`
	Parameters    interface{} `json:"parameters,omitempty"`
	User          string      `json:"user,omitempty"`
	Password      string      `json:"password,omitempty"`
}

// CommandResponse 发布到 <prefix>/response
type CommandResponse struct {
	RequestID string      `json:"requestID,omitempty"`
	Command   string      `json:"command"`
	Status    string      `json:"status"` // accepted / ok / rejected
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func response(command, status string) CommandResponse {
	return CommandResponse{Command: command, Status: status, Timestamp: time.Now().UnixNano()}
}
