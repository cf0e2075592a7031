package zonedir

import "errors"

var (
	// ErrZoneOutOfGrid 区域不在网格内
	ErrZoneOutOfGrid = errors.New("zonedir: zone outside grid")

	// ErrEmptyServerID 服务器 ID 为空
	ErrEmptyServerID = errors.New("zonedir: empty server id")

	// ErrInvalidGrid 网格尺寸无效
	ErrInvalidGrid = errors.New("zonedir: invalid grid")
)
