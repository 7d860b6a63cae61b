package service

import "errors"

var (
	// 校验类：在抢锁之前就拒绝，不留尝试记录
	ErrEmptyContent = errors.New("empty content")

	// 授权类：在抢锁之后拒绝，尝试记录保留为 FAILED
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrNotOwner         = errors.New("caller is not the strategy owner")
)
