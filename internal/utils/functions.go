package utils

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ()\[\]]+`)

func GetRandomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// RenewOutputPath returns the first "name-(n).ext" sibling that does not exist.
func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		_, err := os.Stat(candidate)
		_, chunkErr := os.Stat(candidate + ChunkDirSuffix)
		if os.IsNotExist(err) && os.IsNotExist(chunkErr) {
			return candidate
		}
		index++
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if key != "" {
				result[key] = value
			}
		}
	}
	return result
}

func SanitizeFilename(name string) string {
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return filenameRegex.ReplaceAllString(name, "_")
}

// FilenameFromURL returns the unescaped last path segment, or "" when the
// path has none.
func FilenameFromURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	base := path.Base(parsed.Path)
	if base == "." || base == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return SanitizeFilename(base)
}

func FallbackFilename() string {
	return fmt.Sprintf("download_%d", time.Now().UnixMilli())
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return FormatBytes(uint64(bytesPerSecond)) + "/s"
}

func FormatETA(seconds int64) string {
	switch {
	case seconds <= 0:
		return "--"
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

func FileSize(p string) int64 {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// CleanChunkDirs removes every "*.chunks" directory directly under dir for
// which keep returns false. A nil keep removes them all.
func CleanChunkDirs(dir string, keep func(path string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ChunkDirSuffix) {
			continue
		}
		p := filepath.Join(dir, entry.Name())
		if keep != nil && keep(p) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}
