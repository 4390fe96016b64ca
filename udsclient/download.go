package udsclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

// 0x34 请求使用的格式：无压缩/加密，4 字节长度 + 4 字节地址
const (
	dataFormatIdentifier = 0x00
	addressAndLengthFmt  = 0x44
)

// DownloadOptions 配置 Download
type DownloadOptions struct {
	// MaxBlockLength 限制每个 0x36 请求的长度 (含 SID 和块序号)，
	// 0 表示使用 ECU 在 0x74 响应中给出的值
	MaxBlockLength int
	// Progress 在每个块确认后调用
	Progress func(addr uint32, done, total int)
}

// SplitBlock 把 data 按 blockSize 拆分，最后一块可能不足 blockSize
func SplitBlock(data []byte, blockSize int) [][]byte {
	var blocks [][]byte
	for i := 0; i < len(data); i += blockSize {
		end := i + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[i:end])
	}
	return blocks
}

// Download 解析 Intel-HEX 镜像，并对每个数据段执行
// RequestDownload (0x34) / TransferData (0x36) / RequestTransferExit (0x37)
func (c *UDSClient) Download(ctx context.Context, image io.Reader, opts DownloadOptions) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(image); err != nil {
		return fmt.Errorf("解析 HEX 文件失败: %w", err)
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return fmt.Errorf("HEX 文件不含数据段")
	}
	for _, seg := range segments {
		if err := c.downloadSegment(ctx, seg.Address, seg.Data, opts); err != nil {
			return fmt.Errorf("下载段 0x%08X 失败: %w", seg.Address, err)
		}
	}
	return nil
}

func (c *UDSClient) downloadSegment(ctx context.Context, addr uint32, data []byte, opts DownloadOptions) error {
	req := make([]byte, 11)
	req[0], req[1], req[2] = SIDRequestDownload, dataFormatIdentifier, addressAndLengthFmt
	binary.BigEndian.PutUint32(req[3:7], addr)
	binary.BigEndian.PutUint32(req[7:11], uint32(len(data)))
	resp, err := c.RequestWithContext(ctx, req, c.defaultOptions())
	if err != nil {
		return err
	}
	maxBlock, err := parseMaxBlockLength(resp)
	if err != nil {
		return err
	}
	if opts.MaxBlockLength > 0 && opts.MaxBlockLength < maxBlock {
		maxBlock = opts.MaxBlockLength
	}
	if maxBlock <= 2 {
		return fmt.Errorf("块长度 %d 过小", maxBlock)
	}
	c.log.Info().Uint32("addr", addr).Int("size", len(data)).Int("block", maxBlock).Msg("开始下载")

	sent := 0
	bsc := byte(1)
	for _, chunk := range SplitBlock(data, maxBlock-2) {
		td := append([]byte{SIDTransferData, bsc}, chunk...)
		resp, err := c.RequestWithContext(ctx, td, c.defaultOptions())
		if err != nil {
			return err
		}
		if len(resp) < 2 || resp[1] != bsc {
			return fmt.Errorf("块序号不匹配: 期望 0x%02X, 收到 % X", bsc, resp)
		}
		sent += len(chunk)
		if opts.Progress != nil {
			opts.Progress(addr, sent, len(data))
		}
		bsc++ // 0xFF 之后回绕到 0x00
	}

	_, err = c.RequestWithContext(ctx, []byte{SIDRequestTransferExit}, c.defaultOptions())
	return err
}

// parseMaxBlockLength 解析 0x74 响应中的 maxNumberOfBlockLength
func parseMaxBlockLength(resp []byte) (int, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("0x74 响应过短: % X", resp)
	}
	n := int(resp[1] >> 4)
	if n == 0 || n > 4 || len(resp) < 2+n {
		return 0, fmt.Errorf("无效的 lengthFormatIdentifier: % X", resp)
	}
	var v int
	for _, b := range resp[2 : 2+n] {
		v = v<<8 | int(b)
	}
	return v, nil
}
