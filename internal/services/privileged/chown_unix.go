package privileged

import (
	"os"
	"syscall"
)

func chownLike(path string, ref os.FileInfo) error {
	st, ok := ref.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return os.Lchown(path, int(st.Uid), int(st.Gid))
}
