package udsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/tp"
)

const (
	responsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时
	defaultMaxRetries      = 3                       // 默认最大重试次数
	negativeResponseSID    = 0x7F
	positiveResponseOffset = 0x40
)

// UDS 负响应码 (Negative Response Code)
const (
	NRCGeneralReject                          = 0x10 // 一般拒绝
	NRCServiceNotSupported                    = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                = 0x12 // 子功能不支持
	NRCIncorrectMessageLength                 = 0x13 // 消息长度错误
	NRCResponseTooLong                        = 0x14 // 响应过长
	NRCBusyRepeatRequest                      = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   = 0x22 // 条件不满足
	NRCRequestSequenceError                   = 0x24 // 请求顺序错误
	NRCNoResponseFromSubnetComponent          = 0x25 // 子网组件无响应
	NRCFailurePreventsExecution               = 0x26 // 故障阻止执行
	NRCRequestOutOfRange                      = 0x31 // 请求超出范围
	NRCSecurityAccessDenied                   = 0x33 // 安全访问被拒绝
	NRCInvalidKey                             = 0x35 // 无效密钥
	NRCExceedNumberOfAttempts                 = 0x36 // 超过尝试次数
	NRCRequiredTimeDelayNotExpired            = 0x37 // 所需时间延迟未过期
	NRCUploadDownloadNotAccepted              = 0x70 // 上传/下载不接受
	NRCTransferDataSuspended                  = 0x71 // 传输数据暂停
	NRCGeneralProgrammingFailure              = 0x72 // 一般编程失败
	NRCWrongBlockSequenceCounter              = 0x73 // 块序号计数器错误
	NRCResponsePending                        = 0x78 // 响应挂起
	NRCSubFunctionNotSupportedInActiveSession = 0x7E // 子功能在当前会话不支持
	NRCServiceNotSupportedInActiveSession     = 0x7F // 服务在当前会话不支持
)

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "一般拒绝",
	NRCServiceNotSupported:                    "服务不支持",
	NRCSubFunctionNotSupported:                "子功能不支持",
	NRCIncorrectMessageLength:                 "消息长度错误",
	NRCResponseTooLong:                        "响应过长",
	NRCBusyRepeatRequest:                      "忙，请重复请求",
	NRCConditionsNotCorrect:                   "条件不满足",
	NRCRequestSequenceError:                   "请求顺序错误",
	NRCNoResponseFromSubnetComponent:          "子网组件无响应",
	NRCFailurePreventsExecution:               "故障阻止执行",
	NRCRequestOutOfRange:                      "请求超出范围",
	NRCSecurityAccessDenied:                   "安全访问被拒绝",
	NRCInvalidKey:                             "无效密钥",
	NRCExceedNumberOfAttempts:                 "超过尝试次数",
	NRCRequiredTimeDelayNotExpired:            "所需时间延迟未过期",
	NRCUploadDownloadNotAccepted:              "上传/下载不接受",
	NRCTransferDataSuspended:                  "传输数据暂停",
	NRCGeneralProgrammingFailure:              "一般编程失败",
	NRCWrongBlockSequenceCounter:              "块序号计数器错误",
	NRCResponsePending:                        "响应挂起",
	NRCSubFunctionNotSupportedInActiveSession: "子功能在当前会话不支持",
	NRCServiceNotSupportedInActiveSession:     "服务在当前会话不支持",
}

// ErrClientClosed 在客户端关闭后发起请求时返回
var ErrClientClosed = errors.New("UDS 客户端已关闭")

// UDSError 表示 UDS 负响应错误
type UDSError struct {
	ServiceID byte   // 原始服务 ID
	NRC       byte   // 负响应码
	Message   string // 错误描述
}

func (e *UDSError) Error() string {
	return fmt.Sprintf("UDS 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, e.NRC, e.Message)
}

// IsRetryable 判断该错误是否可以重试
func (e *UDSError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout    time.Duration // 单次请求超时 (P2)
	MaxRetries int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay time.Duration // 重试间隔
}

// DefaultRequestOptions 返回默认请求选项
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:    500 * time.Millisecond,
		MaxRetries: defaultMaxRetries,
		RetryDelay: 100 * time.Millisecond,
	}
}

// getNRCDescription 获取 NRC 错误描述
func getNRCDescription(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return "未知错误"
}

func negativeResponse(data []byte) *UDSError {
	return &UDSError{ServiceID: data[1], NRC: data[2], Message: getNRCDescription(data[2])}
}

// UDSClient 在一个 ISO-TP 绑定上收发 UDS 请求/响应。
// 同一时刻只有一个请求在进行中。
type UDSClient struct {
	binding *tp.Binding
	log     zerolog.Logger

	mu     sync.Mutex // 串行化请求
	ctx    context.Context
	cancel context.CancelFunc

	optsMu sync.Mutex
	opts   RequestOptions
}

// NewUDSClient 在 dev 上按 addr 绑定 ISO-TP 接收通道，并返回客户端。
// 引擎由调用者拥有，Close 只解除绑定。
func NewUDSClient(e *tp.Engine, dev driver.Device, addr tp.Address, fc tp.FlowControlOptions, logger zerolog.Logger) (*UDSClient, error) {
	rx, tx, err := addr.MsgIDs()
	if err != nil {
		return nil, fmt.Errorf("无效的地址配置: %w", err)
	}
	b, err := e.Bind(dev, rx, tx, fc)
	if err != nil {
		return nil, fmt.Errorf("无法绑定 ISO-TP 接收通道: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &UDSClient{
		binding: b,
		log:     logger.With().Str("component", "uds").Logger(),
		opts:    DefaultRequestOptions(),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.log.Info().Stringer("rx", rx).Stringer("tx", tx).Msg("UDS客户端已成功初始化并启动")
	return c, nil
}

// SetDefaultOptions 设置 Request 及各服务函数使用的请求选项
func (c *UDSClient) SetDefaultOptions(opts RequestOptions) {
	c.optsMu.Lock()
	c.opts = opts
	c.optsMu.Unlock()
}

func (c *UDSClient) defaultOptions() RequestOptions {
	c.optsMu.Lock()
	defer c.optsMu.Unlock()
	return c.opts
}

// SendAndRecv 发送一个请求并阻塞等待响应，不重试。
func (c *UDSClient) SendAndRecv(payload []byte, timeout time.Duration) ([]byte, error) {
	return c.RequestWithContext(context.Background(), payload, RequestOptions{Timeout: timeout})
}

// RequestWithContext 发送 UDS 请求并等待响应，支持：
//   - Context 取消
//   - 完整的 NRC 错误处理
//   - 自动重试机制 (仅对可重试错误)
//   - 响应 SID 验证
func (c *UDSClient) RequestWithContext(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("请求 payload 不能为空")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	requestSID := payload[0]
	expectedResponseSID := requestSID + positiveResponseOffset

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug().Int("attempt", attempt).Int("max", opts.MaxRetries).Uint8("sid", requestSID).Msg("UDS 请求重试")
			select {
			case <-time.After(opts.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		response, err := c.singleRequest(ctx, payload, opts.Timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			var udsErr *UDSError
			if errors.As(err, &udsErr) && udsErr.IsRetryable() {
				lastErr = err
				continue
			}
			return nil, err
		}

		if len(response) == 0 || response[0] != expectedResponseSID {
			got := byte(0)
			if len(response) > 0 {
				got = response[0]
			}
			return nil, fmt.Errorf("响应 SID 不匹配: 期望 0x%02X, 收到 0x%02X", expectedResponseSID, got)
		}
		return response, nil
	}

	return nil, fmt.Errorf("达到最大重试次数 (%d): %w", opts.MaxRetries, lastErr)
}

// singleRequest 执行单次请求（不含重试逻辑）
func (c *UDSClient) singleRequest(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	select {
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	default:
	}
	c.drain()

	if err := c.binding.Send(ctx, payload); err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}

	wait := timeout
	for {
		data, err := c.receive(ctx, wait)
		if err != nil {
			if errors.Is(err, tp.ErrRecvTimeout) {
				return nil, fmt.Errorf("等待响应超时 (%v): %w", wait, err)
			}
			return nil, err
		}
		if len(data) >= 3 && data[0] == negativeResponseSID {
			// 其他服务的负响应属于之前的请求
			if data[1] != payload[0] {
				continue
			}
			if data[2] == NRCResponsePending {
				c.log.Debug().Uint8("sid", data[1]).Msg("收到 Response Pending，继续等待")
				wait = responsePendingTimeout
				continue
			}
			return nil, negativeResponse(data)
		}
		return data, nil
	}
}

func (c *UDSClient) receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	data, err := c.binding.ReadMessage(rctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.ctx.Err() != nil {
			return nil, ErrClientClosed
		}
	}
	return data, err
}

// drain 发送前清空可能存在的旧响应
func (c *UDSClient) drain() {
	done, cancel := context.WithCancel(context.Background())
	cancel()
	for {
		data, err := c.binding.ReadMessage(done)
		if err != nil {
			return
		}
		c.log.Debug().Hex("data", data).Msg("丢弃过期响应")
	}
}

// Request 简化版请求函数，使用默认选项
func (c *UDSClient) Request(payload []byte) ([]byte, error) {
	return c.RequestWithContext(context.Background(), payload, c.defaultOptions())
}

// RequestWithTimeout 带自定义超时的请求函数
func (c *UDSClient) RequestWithTimeout(payload []byte, timeout time.Duration) ([]byte, error) {
	opts := c.defaultOptions()
	opts.Timeout = timeout
	return c.RequestWithContext(context.Background(), payload, opts)
}

// Close 关闭客户端并解除 ISO-TP 绑定
func (c *UDSClient) Close() {
	if c.IsClosed() {
		return
	}
	c.log.Info().Msg("正在关闭UDS客户端")
	c.cancel()
	c.binding.Unbind()
}

// IsClosed 检查客户端是否已关闭
func (c *UDSClient) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}
