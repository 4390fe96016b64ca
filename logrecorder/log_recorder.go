package logrecorder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRotateInterval 是默认的日志轮换周期
const DefaultRotateInterval = 10 * time.Minute

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25），base 为空时使用当前目录
func MakeDir(base string) (string, error) {
	if base == "" {
		base = "."
	}
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)

	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// Options 配置 Recorder
type Options struct {
	Dir     string        // 日志根目录，默认当前目录
	Name    string        // 日志文件前缀名
	Level   zerolog.Level // 最低日志级别
	Console io.Writer     // 非空时同时输出到该 writer (如 zerolog.ConsoleWriter)
}

// Recorder 把 zerolog 日志写入按日期分目录、按时间命名的文件，
// 并支持轮换到新文件。Recorder 本身是一个 io.Writer，轮换对 Logger 透明。
type Recorder struct {
	opts Options

	mu   sync.Mutex
	file *os.File
	path string

	logger zerolog.Logger
}

// New 创建 Recorder 并立即打开第一个日志文件
func New(opts Options) (*Recorder, error) {
	if opts.Name == "" {
		opts.Name = "isotp_"
	}
	r := &Recorder{opts: opts}
	if err := r.Rotate(); err != nil {
		return nil, err
	}

	var w io.Writer = r
	if opts.Console != nil {
		w = zerolog.MultiLevelWriter(r, opts.Console)
	}
	r.logger = zerolog.New(w).Level(opts.Level).With().Timestamp().Logger()
	return r, nil
}

// Logger 返回写入本 Recorder 的 logger
func (r *Recorder) Logger() zerolog.Logger { return r.logger }

// Path 返回当前日志文件路径
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Write 实现 io.Writer
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	return r.file.Write(p)
}

// Rotate 以新的时间戳打开日志文件，并关闭旧文件
func (r *Recorder) Rotate() error {
	dir, err := MakeDir(r.opts.Dir)
	if err != nil {
		return err
	}
	logPath := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.opts.Name, NowString()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	r.mu.Lock()
	old := r.file
	r.file, r.path = f, logPath
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// RotateEvery 每隔 every 轮换一次日志文件，直到 ctx 结束
func (r *Recorder) RotateEvery(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultRotateInterval
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Rotate(); err != nil {
					// 轮换失败时继续写旧文件
					r.logger.Error().Err(err).Msg("日志轮换失败")
				}
			}
		}
	}()
}

// Close 关闭当前日志文件，之后的写入返回 os.ErrClosed
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
