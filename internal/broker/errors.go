package broker

import (
	"errors"
	"fmt"
	"net"
)

// ConnectivityError 表示网络或券商接口的暂时性故障，可以重试。
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("broker: %s 连接失败: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// RejectedOrderError 表示券商明确拒绝委托（资金不足、代码无效、休市等），不可重试。
type RejectedOrderError struct {
	Symbol string
	Code   string
	Reason string
}

func (e *RejectedOrderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker: 委托被拒绝 symbol=%s code=%s: %s", e.Symbol, e.Code, e.Reason)
	}
	return fmt.Sprintf("broker: 委托被拒绝 symbol=%s: %s", e.Symbol, e.Reason)
}

// Connectivity 包装一个暂时性错误。
func Connectivity(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectivityError{Op: op, Err: err}
}

// Rejected 构造拒单错误。
func Rejected(symbol, code, reason string) error {
	return &RejectedOrderError{Symbol: symbol, Code: code, Reason: reason}
}

// IsConnectivity 判断错误是否可重试。
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRejected 判断是否为券商拒单。
func IsRejected(err error) bool {
	var rejErr *RejectedOrderError
	return errors.As(err, &rejErr)
}

// RejectReason 提取拒单原因，非拒单错误返回 err.Error()。
func RejectReason(err error) string {
	var rejErr *RejectedOrderError
	if errors.As(err, &rejErr) {
		return rejErr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
