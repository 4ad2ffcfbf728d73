package models

// DiskInfo describes a mounted volume.
type DiskInfo struct {
	Device     string
	Mountpoint string
	UUID       string
	Fstype     string
	Size       uint64
	Free       uint64
	Used       uint64
	Removable  bool
	Caption    string
}
