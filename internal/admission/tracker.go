package admission

import (
	"io"
)

// File is the storage surface a tracked reader does I/O through. *os.File
// satisfies it via OSFile.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
	Size() (int64, error)
}

// ResourceTracker charges the buffers of the files it tracks back to one
// permit. The zero tracker (or NoResourceTracking) tracks nothing.
type ResourceTracker struct {
	permit *Permit
}

// NewResourceTracker ties buffer accounting to p.
func NewResourceTracker(p *Permit) *ResourceTracker {
	return &ResourceTracker{permit: p}
}

// NoResourceTracking returns a tracker that leaves buffers unaccounted.
func NoResourceTracking() *ResourceTracker {
	return &ResourceTracker{}
}

// Track wraps f so that every buffer returned by ReadDMA is charged to the
// tracker's permit.
func (t *ResourceTracker) Track(f File) *TrackedFile {
	return &TrackedFile{file: f, permit: t.permit}
}

// TrackedFile is a File whose read buffers are permit-charged. Only reads
// are accounted; writes, flushes and metadata are not.
type TrackedFile struct {
	file   File
	permit *Permit
}

// ReadDMA reads length bytes at off into a charged buffer. The charge is
// taken when the buffer is acquired and returned when the buffer is
// released; the buffer may outlive the tracked file.
func (f *TrackedFile) ReadDMA(off, length int64) (*Buffer, error) {
	data := make([]byte, length)
	n, err := f.file.ReadAt(data, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	data = data[:n]
	b := &Buffer{Data: data, permit: f.permit}
	if f.permit != nil {
		f.permit.ConsumeMemory(int64(len(data)))
		f.permit.incRef()
	}
	return b, nil
}

// WriteDMA writes p at off. Unaccounted.
func (f *TrackedFile) WriteDMA(off int64, p []byte) (int, error) {
	return f.file.WriteAt(p, off)
}

// Flush syncs the underlying file.
func (f *TrackedFile) Flush() error { return f.file.Sync() }

// Size returns the file size.
func (f *TrackedFile) Size() (int64, error) { return f.file.Size() }

// Close closes the underlying file. Outstanding buffers stay valid and
// keep their charges until released.
func (f *TrackedFile) Close() error { return f.file.Close() }

// Buffer is a permit-charged read buffer. Releasing it returns the charge
// and drops the buffer's permit reference.
type Buffer struct {
	Data     []byte
	permit   *Permit
	released bool
}

// Release returns the buffer's charge to the semaphore. Idempotent.
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	if b.permit != nil {
		b.permit.SignalMemory(int64(len(b.Data)))
		b.permit.decRef()
	}
}
