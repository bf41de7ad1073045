package admission

import "os"

// OSFile adapts *os.File to the File surface.
type OSFile struct {
	*os.File
}

func (f OSFile) Size() (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
