package udsclient

import (
	"context"
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/chmike/cmac-go"
)

// 服务 ID
const (
	SIDDiagnosticSessionControl = 0x10
	SIDECUReset                 = 0x11
	SIDReadDataByIdentifier     = 0x22
	SIDSecurityAccess           = 0x27
	SIDWriteDataByIdentifier    = 0x2E
	SIDRequestDownload          = 0x34
	SIDTransferData             = 0x36
	SIDRequestTransferExit      = 0x37
	SIDTesterPresent            = 0x3E
)

// 会话类型
const (
	SessionDefault     = 0x01
	SessionProgramming = 0x02
	SessionExtended    = 0x03
)

// suppressPositiveResponse 是子功能的 SPRMIB 位
const suppressPositiveResponse = 0x80

// DiagnosticSessionControl 切换诊断会话 (0x10)
func (c *UDSClient) DiagnosticSessionControl(ctx context.Context, session byte) ([]byte, error) {
	resp, err := c.RequestWithContext(ctx, []byte{SIDDiagnosticSessionControl, session}, c.defaultOptions())
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != session {
		return nil, fmt.Errorf("会话响应不匹配: % X", resp)
	}
	return resp[2:], nil
}

// ECUReset 请求 ECU 复位 (0x11)
func (c *UDSClient) ECUReset(ctx context.Context, resetType byte) error {
	_, err := c.RequestWithContext(ctx, []byte{SIDECUReset, resetType}, c.defaultOptions())
	return err
}

// TesterPresent 发送保活请求 (0x3E 00)
func (c *UDSClient) TesterPresent(ctx context.Context) error {
	_, err := c.RequestWithContext(ctx, []byte{SIDTesterPresent, 0x00}, c.defaultOptions())
	return err
}

// TesterPresentSuppressed 发送不要求响应的保活请求 (0x3E 80)
func (c *UDSClient) TesterPresentSuppressed(ctx context.Context) error {
	return c.binding.Send(ctx, []byte{SIDTesterPresent, suppressPositiveResponse})
}

// ReadDataByIdentifier 读取一个 DID (0x22)，返回 DID 之后的数据
func (c *UDSClient) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	req := []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)}
	resp, err := c.RequestWithContext(ctx, req, c.defaultOptions())
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return nil, fmt.Errorf("DID 响应不匹配: 期望 0x%04X, 收到 % X", did, resp)
	}
	return resp[3:], nil
}

// WriteDataByIdentifier 写入一个 DID (0x2E)
func (c *UDSClient) WriteDataByIdentifier(ctx context.Context, did uint16, data []byte) error {
	req := append([]byte{SIDWriteDataByIdentifier, byte(did >> 8), byte(did)}, data...)
	resp, err := c.RequestWithContext(ctx, req, c.defaultOptions())
	if err != nil {
		return err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return fmt.Errorf("DID 响应不匹配: 期望 0x%04X, 收到 % X", did, resp)
	}
	return nil
}

// KeyFunc 根据种子计算密钥
type KeyFunc func(level byte, seed []byte) ([]byte, error)

// CMACKey 返回以 AES-CMAC(secret, seed) 作为密钥的 KeyFunc，secret 长度须为 16/24/32 字节
func CMACKey(secret []byte) KeyFunc {
	return func(level byte, seed []byte) ([]byte, error) {
		h, err := cmac.New(aes.NewCipher, secret)
		if err != nil {
			return nil, fmt.Errorf("创建 CMAC 失败: %w", err)
		}
		h.Write(seed)
		return h.Sum(nil), nil
	}
}

// SecurityAccess 执行种子/密钥解锁 (0x27)。level 为奇数的请求种子子功能，
// 发送密钥时使用 level+1。种子全为 0 表示已解锁。
func (c *UDSClient) SecurityAccess(ctx context.Context, level byte, key KeyFunc) error {
	if level%2 == 0 {
		return fmt.Errorf("安全等级 0x%02X 必须为奇数", level)
	}
	resp, err := c.RequestWithContext(ctx, []byte{SIDSecurityAccess, level}, c.defaultOptions())
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != level {
		return fmt.Errorf("种子响应不匹配: % X", resp)
	}
	seed := resp[2:]
	if allZero(seed) {
		c.log.Debug().Uint8("level", level).Msg("安全等级已解锁")
		return nil
	}

	k, err := key(level, seed)
	if err != nil {
		return err
	}
	req := append([]byte{SIDSecurityAccess, level + 1}, k...)
	resp, err = c.RequestWithContext(ctx, req, c.defaultOptions())
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != level+1 {
		return fmt.Errorf("密钥响应不匹配: % X", resp)
	}
	return nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
