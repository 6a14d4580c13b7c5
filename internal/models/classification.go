package models

import "time"

// Decision 表示护栏分类决策
type Decision string

const (
	DecisionHandle   Decision = "handle"
	DecisionEscalate Decision = "escalate"
	DecisionIgnore   Decision = "ignore"
)

// MessageType 表示分类后识别出的消息类型
type MessageType string

const (
	MessageQuotationRequest MessageType = "quotation_request"
	MessageSpam             MessageType = "spam"
	MessageComplaint        MessageType = "complaint"
	MessageOutOfScope       MessageType = "out_of_scope"
	MessageGeneralInquiry   MessageType = "general_inquiry"
)

// Valid 判断消息类型是否合法
func (t MessageType) Valid() bool {
	switch t {
	case MessageQuotationRequest, MessageSpam, MessageComplaint, MessageOutOfScope, MessageGeneralInquiry:
		return true
	default:
		return false
	}
}

// RuleEvaluation 单条规则的评估结果
type RuleEvaluation struct {
	Rule       string   `json:"rule"`
	Passed     bool     `json:"passed"`
	Confidence float64  `json:"confidence"`
	Details    string   `json:"details,omitempty"`
	Matches    []string `json:"matches,omitempty"`
}

// ClassificationResult 护栏分类结果 只通过审计日志持久化
type ClassificationResult struct {
	EmailID      string           `json:"emailId"`
	ThreadID     string           `json:"threadId"`
	Decision     Decision         `json:"decision"`
	Confidence   float64          `json:"confidence"`
	MessageType  MessageType      `json:"messageType"`
	Reason       string           `json:"reason"`
	Rules        []RuleEvaluation `json:"rules"`
	UsedFallback bool             `json:"usedFallback"`
	Extracted    *ExtractedFields `json:"extracted,omitempty"`
	At           time.Time        `json:"at"`
}

// AuditEntry 审计日志条目
type AuditEntry struct {
	ID           int64          `json:"id"`
	Operator     string         `json:"operator"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}
