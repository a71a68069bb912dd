package services

import "errors"

var (
	ErrNotParticipant       = errors.New("用户不是该会话的成员")
	ErrConversationNotFound = errors.New("会话不存在")
	ErrMessageNotFound      = errors.New("消息不存在")
	ErrInvalidContent       = errors.New("消息内容为空或类型未知")
	ErrInvalidReaction      = errors.New("表情必须是单个 emoji")
	ErrInvalidArgument      = errors.New("参数无效")
)
