// 本文件用于定义询价请求 交互记录 外部询价与供应商等业务模型
package models

import (
	"time"
)

// RequestStatus 表示询价请求生命周期状态
type RequestStatus string

const (
	RequestPending          RequestStatus = "pending"
	RequestGatheringInfo    RequestStatus = "gathering_info"
	RequestWaitingProviders RequestStatus = "waiting_providers"
	RequestReadyForHuman    RequestStatus = "ready_for_human"
	RequestQuoted           RequestStatus = "quoted"
	RequestEscalated        RequestStatus = "escalated"
	RequestIgnored          RequestStatus = "ignored"
)

// Valid 判断状态值是否合法
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestGatheringInfo, RequestWaitingProviders,
		RequestReadyForHuman, RequestQuoted, RequestEscalated, RequestIgnored:
		return true
	default:
		return false
	}
}

// RFQStatus 表示外部询价状态
type RFQStatus string

const (
	RFQPending  RFQStatus = "pending"
	RFQSent     RFQStatus = "sent"
	RFQReceived RFQStatus = "received"
	RFQDeclined RFQStatus = "declined"
	RFQExpired  RFQStatus = "expired"
)

// Valid 判断状态值是否合法
func (s RFQStatus) Valid() bool {
	switch s {
	case RFQPending, RFQSent, RFQReceived, RFQDeclined, RFQExpired:
		return true
	default:
		return false
	}
}

// Customer 询价客户身份
type Customer struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
}

// QuotationRequest 一次客户询价的完整生命周期记录
type QuotationRequest struct {
	ID               string        `json:"id"`
	Status           RequestStatus `json:"status"`
	Customer         Customer      `json:"customer"`
	Subject          string        `json:"subject"`
	Material         string        `json:"material,omitempty"`
	Quantity         int           `json:"quantity,omitempty"`
	Dimensions       []string      `json:"dimensions,omitempty"`
	Tolerances       []string      `json:"tolerances,omitempty"`
	SurfaceFinish    string        `json:"surfaceFinish,omitempty"`
	Deadline         string        `json:"deadline,omitempty"`
	MissingInfo      []string      `json:"missingInfo"`
	InternalServices []string      `json:"internalServices"`
	ExternalServices []string      `json:"externalServices"`
	ThreadID         string        `json:"threadId"`
	Confidence       float64       `json:"confidence"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// InteractionType 交互记录类型
type InteractionType string

const (
	InteractionReceived          InteractionType = "email_received"
	InteractionSent              InteractionType = "email_sent"
	InteractionConfirmation      InteractionType = "confirmation_sent"
	InteractionInfoRequest       InteractionType = "info_requested"
	InteractionProviderContacted InteractionType = "provider_contacted"
	InteractionProviderReply     InteractionType = "provider_reply"
	InteractionStatusChange      InteractionType = "status_changed"
)

// Direction 交互方向
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// Interaction 请求维度的追加式交互日志
type Interaction struct {
	Seq       int64              `json:"seq"`
	RequestID string             `json:"requestId"`
	Type      InteractionType    `json:"type"`
	Direction Direction          `json:"direction"`
	Payload   InteractionPayload `json:"payload"`
	CreatedAt time.Time          `json:"createdAt"`
}

// ProviderSnapshot 外部询价发出时的供应商快照
type ProviderSnapshot struct {
	ProviderID string `json:"providerId"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Website    string `json:"website,omitempty"`
}

// ProviderResponse 供应商回复的报价信息
type ProviderResponse struct {
	Price        float64 `json:"price"`
	LeadTimeDays int     `json:"leadTimeDays"`
	Notes        string  `json:"notes,omitempty"`
}

// ExternalQuotation 单个供应商对单项外协服务的询价记录
type ExternalQuotation struct {
	ID         string            `json:"id"`
	RequestID  string            `json:"requestId"`
	ProviderID string            `json:"providerId"`
	Service    string            `json:"service"`
	Status     RFQStatus         `json:"status"`
	Provider   ProviderSnapshot  `json:"provider"`
	Details    string            `json:"details,omitempty"`
	Response   *ProviderResponse `json:"response,omitempty"`
	SendError  string            `json:"sendError,omitempty"`
	SentAt     *time.Time        `json:"sentAt,omitempty"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// IsExpired 计算属性 仅用于陈旧报告 不驱动状态变化
func (q ExternalQuotation) IsExpired(now time.Time) bool {
	if q.Status == RFQReceived || q.Status == RFQDeclined {
		return false
	}
	if q.Status == RFQExpired {
		return true
	}
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// ProviderSource 供应商来源
type ProviderSource string

const (
	SourceRegistry  ProviderSource = "registry"
	SourceDirectory ProviderSource = "directory"
)

// GeoPoint 经纬度
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ProviderCandidate 解析后的候选供应商
type ProviderCandidate struct {
	ID           string         `json:"id"`
	ExternalID   string         `json:"externalId,omitempty"`
	Name         string         `json:"name"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Website      string         `json:"website,omitempty"`
	Address      string         `json:"address,omitempty"`
	Location     GeoPoint       `json:"location"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Rating       float64        `json:"rating"`
	Reliability  float64        `json:"reliability"`
	Source       ProviderSource `json:"source"`
	Active       bool           `json:"active"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// HasEmail 是否具备邮件联系渠道
func (p ProviderCandidate) HasEmail() bool {
	return p.Email != ""
}

// OutboundEmail 出站邮件请求
type OutboundEmail struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	ThreadID string `json:"threadId,omitempty"`
}

// Attachment 入站邮件附件
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// InboundEmail 入站邮件
type InboundEmail struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId"`
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
	ReceivedAt  time.Time    `json:"receivedAt"`
}

// ExtractedFields 从正文或附件中抽取的技术字段
type ExtractedFields struct {
	Material      string   `json:"material,omitempty"`
	Quantity      int      `json:"quantity,omitempty"`
	Dimensions    []string `json:"dimensions,omitempty"`
	Tolerances    []string `json:"tolerances,omitempty"`
	SurfaceFinish string   `json:"surfaceFinish,omitempty"`
	Deadline      string   `json:"deadline,omitempty"`
	Confidence    float64  `json:"confidence"`
}
