// 本文件用于交互记录负载的标签联合类型
// 已知形态各自一个字段 只有真正无结构的备注才进入 Notes
package models

import (
	"encoding/json"
	"fmt"
)

// PayloadKind 负载类型标签
type PayloadKind string

const (
	PayloadEmail           PayloadKind = "email"
	PayloadInfoRequest     PayloadKind = "info_request"
	PayloadProviderContact PayloadKind = "provider_contact"
	PayloadStatusChange    PayloadKind = "status_change"
	PayloadProviderReply   PayloadKind = "provider_reply"
)

// EmailPayload 收发邮件的摘要
type EmailPayload struct {
	MessageID   string   `json:"messageId,omitempty"`
	From        string   `json:"from,omitempty"`
	To          string   `json:"to,omitempty"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	SendError   string   `json:"sendError,omitempty"`
}

// InfoRequestPayload 补充信息请求
type InfoRequestPayload struct {
	Missing   []string `json:"missing"`
	SendError string   `json:"sendError,omitempty"`
}

// ProviderContactPayload 供应商外联
type ProviderContactPayload struct {
	RFQID     string `json:"rfqId"`
	Provider  string `json:"provider"`
	Service   string `json:"service"`
	Sent      bool   `json:"sent"`
	SendError string `json:"sendError,omitempty"`
}

// StatusChangePayload 状态迁移
type StatusChangePayload struct {
	From     RequestStatus `json:"from"`
	To       RequestStatus `json:"to"`
	Operator string        `json:"operator,omitempty"`
}

// ProviderReplyPayload 运营录入的供应商回复
type ProviderReplyPayload struct {
	RFQID    string           `json:"rfqId"`
	Status   RFQStatus        `json:"status"`
	Response ProviderResponse `json:"response"`
}

// InteractionPayload 交互负载 Kind 决定哪个字段有效
type InteractionPayload struct {
	Kind            PayloadKind             `json:"kind"`
	Email           *EmailPayload           `json:"email,omitempty"`
	InfoRequest     *InfoRequestPayload     `json:"infoRequest,omitempty"`
	ProviderContact *ProviderContactPayload `json:"providerContact,omitempty"`
	StatusChange    *StatusChangePayload    `json:"statusChange,omitempty"`
	ProviderReply   *ProviderReplyPayload   `json:"providerReply,omitempty"`
	Notes           map[string]string       `json:"notes,omitempty"`
}

// Validate 检查标签与字段是否一致
func (p InteractionPayload) Validate() error {
	var ok bool
	switch p.Kind {
	case PayloadEmail:
		ok = p.Email != nil
	case PayloadInfoRequest:
		ok = p.InfoRequest != nil
	case PayloadProviderContact:
		ok = p.ProviderContact != nil
	case PayloadStatusChange:
		ok = p.StatusChange != nil
	case PayloadProviderReply:
		ok = p.ProviderReply != nil
	default:
		return fmt.Errorf("unknown payload kind: %q", p.Kind)
	}
	if !ok {
		return fmt.Errorf("payload kind %s without body", p.Kind)
	}
	return nil
}

// EncodePayload 序列化负载用于落库
func EncodePayload(p InteractionPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodePayload 反序列化负载
func DecodePayload(raw string) (InteractionPayload, error) {
	var p InteractionPayload
	if raw == "" {
		return p, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, err
	}
	return p, p.Validate()
}

// NewEmailPayload 构造邮件负载
func NewEmailPayload(e EmailPayload) InteractionPayload {
	return InteractionPayload{Kind: PayloadEmail, Email: &e}
}

// NewInfoRequestPayload 构造补充信息负载
func NewInfoRequestPayload(missing []string, sendErr string) InteractionPayload {
	return InteractionPayload{Kind: PayloadInfoRequest, InfoRequest: &InfoRequestPayload{
		Missing:   append([]string(nil), missing...),
		SendError: sendErr,
	}}
}

// NewStatusChangePayload 构造状态迁移负载
func NewStatusChangePayload(from, to RequestStatus, operator string) InteractionPayload {
	return InteractionPayload{Kind: PayloadStatusChange, StatusChange: &StatusChangePayload{
		From: from, To: to, Operator: operator,
	}}
}
