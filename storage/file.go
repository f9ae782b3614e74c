// Package storage writes verified torrent data to files.
package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

type file struct {
	path   string
	offset int64
	length int64
	f      *os.File
}

// The files of a torrent under a directory, exposed as one WriterAt spanning them in order.
type File struct {
	files  []file
	length int64
}

// Creates the files for info under dir. Single-file torrents are written to dir/name, others to
// dir/name/path.
func OpenFile(dir string, info *metainfo.Info) (_ *File, err error) {
	ret := &File{}
	defer func() {
		if err != nil {
			ret.Close()
		}
	}()
	name := info.BestName()
	for _, fi := range info.UpvertedFiles() {
		rel := filepath.Join(append([]string{name}, fi.BestPath()...)...)
		if !filepath.IsLocal(rel) {
			return nil, errors.Errorf("unsafe file path %q", rel)
		}
		path := filepath.Join(dir, rel)
		err = os.MkdirAll(filepath.Dir(path), 0o750)
		if err != nil {
			return nil, errors.Wrap(err, "creating directories")
		}
		var f *os.File
		f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %q", path)
		}
		ret.files = append(ret.files, file{
			path:   path,
			offset: ret.length,
			length: fi.Length,
			f:      f,
		})
		ret.length += fi.Length
		err = f.Truncate(fi.Length)
		if err != nil {
			return nil, errors.Wrapf(err, "truncating %q", path)
		}
	}
	return ret, nil
}

func (me *File) Length() int64 {
	return me.length
}

// Writes across file boundaries. Writing past the end of the torrent is an error.
func (me *File) WriteAt(b []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(b)) > me.length {
		return 0, errors.Errorf("write [%v, %v) outside torrent of length %v", off, off+int64(len(b)), me.length)
	}
	for _, f := range me.files {
		if len(b) == 0 {
			break
		}
		if off >= f.offset+f.length {
			continue
		}
		fileOff := off - f.offset
		n1 := min(int64(len(b)), f.length-fileOff)
		var written int
		written, err = f.f.WriteAt(b[:n1], fileOff)
		n += written
		if err != nil {
			return n, errors.Wrapf(err, "writing %q", f.path)
		}
		b = b[n1:]
		off += n1
	}
	return
}

func (me *File) Close() (err error) {
	for _, f := range me.files {
		if f.f == nil {
			continue
		}
		if err1 := f.f.Close(); err1 != nil && err == nil {
			err = err1
		}
	}
	me.files = nil
	return
}

var _ io.WriterAt = (*File)(nil)
