package wire

import (
	"github.com/dep2p/go-zonerpc/internal/core/manifest"
)

// message Manifest { uint64 version = 1; repeated Entry entries = 2; }
// message Entry { string iface = 1; string impl = 2; repeated Method methods = 3; }
// message Method { uint32 id = 1; string name = 2; string arg = 3; string result = 4; }

func encodeManifest(m *manifest.Manifest) []byte {
	var b []byte
	b = appendUint(b, 1, m.Version())
	for _, e := range m.Entries() {
		b = appendTagged(b, 2, encodeEntry(e))
	}
	return b
}

func encodeEntry(e manifest.Entry) []byte {
	var b []byte
	b = appendString(b, 1, e.InterfaceID)
	b = appendString(b, 2, e.ImplementationID)
	for _, m := range e.Methods {
		var mb []byte
		mb = appendUint(mb, 1, uint64(m.ID))
		mb = appendString(mb, 2, m.Name)
		mb = appendString(mb, 3, m.ArgType)
		mb = appendString(mb, 4, m.ResultType)
		// 空方法体也要写出，否则重复字段会丢失一项
		b = appendTagged(b, 3, mb)
	}
	return b
}

func decodeManifest(b []byte) (*manifest.Manifest, error) {
	var (
		version uint64
		entries []manifest.Entry
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			version = f.varint
		case 2:
			e, err := decodeEntry(f.bytes)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest.New(version, entries...), nil
}

func decodeEntry(b []byte) (manifest.Entry, error) {
	var e manifest.Entry
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.InterfaceID = f.str()
		case 2:
			e.ImplementationID = f.str()
		case 3:
			var m manifest.MethodSignature
			err := walk(f.bytes, func(mf field) error {
				switch mf.num {
				case 1:
					m.ID = mf.uint32()
				case 2:
					m.Name = mf.str()
				case 3:
					m.ArgType = mf.str()
				case 4:
					m.ResultType = mf.str()
				}
				return nil
			})
			if err != nil {
				return err
			}
			e.Methods = append(e.Methods, m)
		}
		return nil
	})
	return e, err
}
