// Package storage はローカル出力ディレクトリの管理を提供します。
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const stagingDirName = ".staging"

// 未完成のダウンロードとして無視する拡張子です。
var partialExtensions = []string{".part", ".ytdl", ".temp", ".tmp"}

// Local は出力ディレクトリとジョブごとの作業ディレクトリを扱います。
//
// 保存先:
//   - 完成品: <root>/<name>.<ext>
//   - 作業中: <root>/.staging/<jobID>/
type Local struct {
	root string
}

// NewLocal はディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", abs, err)
	}
	return &Local{root: abs}, nil
}

// Root は出力ディレクトリの絶対パスを返します。
func (l *Local) Root() string {
	return l.root
}

// Names は出力ディレクトリ直下の通常ファイル名を返します。
func (l *Local) Names() (map[string]struct{}, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names[e.Name()] = struct{}{}
	}
	return names, nil
}

// StagingDir はジョブ用の作業ディレクトリを作成して返します。
func (l *Local) StagingDir(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\.`) {
		return "", fmt.Errorf("invalid job id for staging: %q", jobID)
	}
	dir := filepath.Join(l.root, stagingDirName, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	return dir, nil
}

// RemoveStaging はジョブの作業ディレクトリを削除します。
func (l *Local) RemoveStaging(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\.`) {
		return nil
	}
	return os.RemoveAll(filepath.Join(l.root, stagingDirName, jobID))
}

// FindOutput は作業ディレクトリ内で最も新しい完成ファイルを返します。
func (l *Local) FindOutput(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var (
		newest    string
		newestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() || isPartial(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no output file in %s: %w", dir, fs.ErrNotExist)
	}
	return newest, nil
}

// Move はファイルを最終パスへ移動します。既存ファイルは上書きしません。
func (l *Local) Move(src, dst string) error {
	if !l.contains(dst) {
		return fmt.Errorf("destination outside storage root: %s", dst)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("destination already exists: %s: %w", dst, fs.ErrExist)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move output: %w", err)
	}
	return nil
}

// Remove は出力ディレクトリ内のファイルを削除します。存在しない場合は成功扱いです。
func (l *Local) Remove(path string) error {
	if !l.contains(path) {
		return fmt.Errorf("refusing to remove path outside storage root: %s", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// StaleStaging は指定時刻より古い作業ディレクトリのジョブIDを返します。
func (l *Local) StaleStaging(before time.Time) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, stagingDirName))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(before) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (l *Local) contains(path string) bool {
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

func isPartial(name string) bool {
	for _, ext := range partialExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
