package upload

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"pubsched/internal/jobs"
)

// UploadedDir is the directory, next to a published file, that MoveUploaded moves it into.
const UploadedDir = "uploaded"

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".webp": true,
}

// accepts reports whether a folder listing for kind includes path.
func accepts(kind jobs.Kind, path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch kind {
	case jobs.KindStorySingle, jobs.KindStoryBatch:
		return imageExts[ext] || videoExts[ext]
	default:
		return videoExts[ext]
	}
}

// listFolder returns the publishable files of the job's folder in its sort order. Random order
// is seeded by the job id, so the cursor points into the same permutation on every run.
func listFolder(job jobs.Job) ([]string, error) {
	order, err := jobs.ParseSort(job.Payload.SortBy)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(job.Payload.Folder)
	if err != nil {
		return nil, err
	}

	type entry struct {
		path string
		mod  time.Time
	}
	var files []entry
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() || !accepts(job.Kind, name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed since ReadDir.
			continue
		}
		files = append(files, entry{path: filepath.Join(job.Payload.Folder, name), mod: info.ModTime()})
	}

	sort.Slice(files, func(i, k int) bool {
		a, b := strings.ToLower(filepath.Base(files[i].path)), strings.ToLower(filepath.Base(files[k].path))
		if order == jobs.SortDate && !files[i].mod.Equal(files[k].mod) {
			return files[i].mod.Before(files[k].mod)
		}
		return a < b
	})
	if order == jobs.SortRandom {
		h := fnv.New64a()
		_, _ = h.Write([]byte(job.ID))
		rand.New(rand.NewSource(int64(h.Sum64()))).Shuffle(len(files), func(i, k int) {
			files[i], files[k] = files[k], files[i]
		})
	}

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

const maxRenameAttempts = 1000

// moveUploaded moves path into UploadedDir next to it. A name already taken there gets a
// numeric suffix: clip.mp4, clip_1.mp4, clip_2.mp4.
func moveUploaded(path string) (string, error) {
	dir := filepath.Join(filepath.Dir(path), UploadedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	target := filepath.Join(dir, base)
	for n := 1; exists(target); n++ {
		if n >= maxRenameAttempts {
			return "", fmt.Errorf("no free name for %s in %s", base, dir)
		}
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}

	err := os.Rename(path, target)
	var le *os.LinkError
	if errors.As(err, &le) && errors.Is(le.Err, syscall.EXDEV) {
		err = copyThenRemove(path, target)
	}
	if err != nil {
		return "", err
	}
	return target, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
