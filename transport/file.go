package transport

import "os"

// OSFileFacility implements FileFacility with plain positioned
// pread/pwrite against the local filesystem (§6: "Positional; may be
// backed by io_uring or plain pread/pwrite").
type OSFileFacility struct{}

type osFile struct {
	f *os.File
}

// OpenRead opens path for positioned reads.
func (OSFileFacility) OpenRead(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

// OpenWrite opens (creating if needed) path for positioned writes,
// pre-sizing it to size bytes so positioned writes never need to
// extend the file mid-transfer (matches the sparse
// "<filename>.wraith-partial" target described in §6).
func (OSFileFacility) OpenWrite(path string, size int64) (File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &osFile{f: f}, nil
}

func (o *osFile) ReadAt(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := o.f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

func (o *osFile) WriteAt(offset int64, data []byte) error {
	_, err := o.f.WriteAt(data, offset)
	return err
}

func (o *osFile) Flush() error {
	return o.f.Sync()
}

func (o *osFile) Close() error {
	return o.f.Close()
}
