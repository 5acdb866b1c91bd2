package core

import (
	"fmt"
	"os"
	"sync"
)

// LogRotator 带大小上限的日志文件写入器
// 乒乓轮转：写满后把当前文件改名为 .old（覆盖上一个备份），再开新文件
type LogRotator struct {
	filename string
	maxSize  int64
	mu       sync.Mutex
	file     *os.File
	size     int64
}

// NewLogRotator 创建轮转器，maxSizeMB 为单文件上限
func NewLogRotator(filename string, maxSizeMB int) (*LogRotator, error) {
	r := &LogRotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) open() error {
	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.size = stat.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			// 轮转失败就继续写旧文件，日志不能因此丢
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *LogRotator) rotate() error {
	if r.file != nil {
		r.file.Close()
	}

	backup := r.filename + ".old"
	os.Remove(backup) // 上一个备份可能不存在，忽略
	if err := os.Rename(r.filename, backup); err != nil {
		return err
	}
	return r.open()
}

// Close 关闭底层文件
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
