package rsync

import (
	"fmt"
	"strings"

	"github.com/schaermu/beam/internal/deployment"
)

const (
	flagsWidth = 11
	deleting   = "*deleting"
)

var updates = map[byte]deployment.Update{
	'<': deployment.UpdateSent,
	'>': deployment.UpdateReceived,
	'c': deployment.UpdateCreated,
	'h': deployment.UpdateLink,
	'.': deployment.UpdateAttributes,
}

var fileTypes = map[byte]deployment.FileType{
	'f': deployment.FileTypeFile,
	'd': deployment.FileTypeDirectory,
	'L': deployment.FileTypeSymlink,
	'D': deployment.FileTypeDevice,
	'S': deployment.FileTypeSpecial,
}

// attribute positions after the update and file type characters
var attributes = []deployment.Reason{
	deployment.ReasonChecksum,
	deployment.ReasonSize,
	deployment.ReasonTime,
	deployment.ReasonPermissions,
	deployment.ReasonOwner,
	deployment.ReasonGroup,
	deployment.ReasonTime, // u: access or create time
	deployment.ReasonACL,
	deployment.ReasonExtended,
}

// ParseLine converts one line of --itemize-changes output into a record.
// Lines that are not itemized changes, and the transfer root itself, are
// reported with ok set to false.
func ParseLine(line string) (rec deployment.ChangeRecord, ok bool, err error) {
	if len(line) <= flagsWidth+1 || line[flagsWidth] != ' ' {
		return deployment.ChangeRecord{}, false, nil
	}
	flags, name := line[:flagsWidth], line[flagsWidth+1:]

	if strings.HasPrefix(flags, deleting) {
		ft := deployment.FileTypeFile
		if strings.HasSuffix(name, "/") {
			ft = deployment.FileTypeDirectory
		}
		rec, err := deployment.NewChangeRecord(name, ft, deployment.UpdateDeleted, deployment.ReasonMissing)
		if err != nil {
			return deployment.ChangeRecord{}, false, err
		}
		return withDecodedName(rec), true, nil
	}

	update, known := updates[flags[0]]
	if !known {
		return deployment.ChangeRecord{}, false, nil
	}
	ft, known := fileTypes[flags[1]]
	if !known {
		return deployment.ChangeRecord{}, false, fmt.Errorf("unknown file type %q in %q", flags[1], line)
	}

	// Link targets are printed after the name
	if i := strings.Index(name, " -> "); i >= 0 && ft == deployment.FileTypeSymlink {
		name = name[:i]
	}
	if i := strings.Index(name, " => "); i >= 0 && update == deployment.UpdateLink {
		name = name[:i]
	}
	if name == "./" {
		return deployment.ChangeRecord{}, false, nil
	}

	reasons := parseReasons(flags[2:])
	if len(reasons) == 0 {
		if update == deployment.UpdateAttributes {
			return deployment.ChangeRecord{}, false, nil
		}
		reasons = []deployment.Reason{deployment.ReasonForced}
	}

	rec, err = deployment.NewChangeRecord(name, ft, update, reasons...)
	if err != nil {
		return deployment.ChangeRecord{}, false, err
	}
	return withDecodedName(rec), true, nil
}

// withDecodedName replaces rsync's \#ooo escapes in the filename. The name
// as printed by rsync is kept in LocalFilename when it differs.
func withDecodedName(rec deployment.ChangeRecord) deployment.ChangeRecord {
	decoded := unescapeName(rec.Filename)
	if decoded != rec.Filename {
		rec.LocalFilename = rec.Filename
		rec.Filename = decoded
	}
	return rec
}

// unescapeName decodes the octal \#ooo sequences rsync uses for
// unprintable bytes
func unescapeName(name string) string {
	if !strings.Contains(name, `\#`) {
		return name
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' && i+4 < len(name) && name[i+1] == '#' && isOctal(name[i+2:i+5]) {
			b.WriteByte((name[i+2]-'0')<<6 | (name[i+3]-'0')<<3 | (name[i+4]-'0'))
			i += 4
			continue
		}
		b.WriteByte(name[i])
	}
	return b.String()
}

func isOctal(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '7' {
			return false
		}
	}
	return true
}

func parseReasons(attrs string) []deployment.Reason {
	if strings.Trim(attrs, "+") == "" {
		return []deployment.Reason{deployment.ReasonNew}
	}

	var reasons []deployment.Reason
	seen := make(map[deployment.Reason]bool)
	for i := 0; i < len(attrs) && i < len(attributes); i++ {
		switch attrs[i] {
		case '.', ' ', '+', '?':
			continue
		}
		reason := attributes[i]
		if !seen[reason] {
			seen[reason] = true
			reasons = append(reasons, reason)
		}
	}
	return reasons
}
