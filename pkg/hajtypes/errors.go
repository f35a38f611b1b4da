package hajtypes

import (
	"errors"
	"fmt"
)

var (
	ErrBadStorageIndex = errors.New("bad storage index")
	ErrBadShareNumber  = errors.New("bad share number")
)

// requested storage index is on an operator-maintained blacklist
type FileProhibitedError struct {
	StorageIndex StorageIndex
	Reason       string
}

func (f *FileProhibitedError) Error() string {
	return fmt.Sprintf("access to %s prohibited: %s", f.StorageIndex.String(), f.Reason)
}
