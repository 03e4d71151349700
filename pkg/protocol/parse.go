package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse classifies one control line by its tag.
//
// Known tags with a malformed payload degrade to KindUnknown so that the
// line can still be shown as raw text. Attachment headers are the exception:
// when their size cannot be read the number of raw bytes that follow is
// unknown, so ErrMalformedAttachment is returned instead.
func Parse(line string) (Frame, error) {
	f := Frame{Kind: KindUnknown, Raw: line, Content: line}

	switch {
	case strings.HasPrefix(line, TagRename):
		f.Kind = KindRename
		f.Name = strings.TrimSpace(line[len(TagRename):])
		f.Content = ""

	case strings.HasPrefix(line, TagText):
		parts := strings.SplitN(line[len(TagText):], "|", 3)
		if len(parts) != 3 {
			return f, nil
		}
		f.Kind = KindText
		f.ID = strings.TrimSpace(parts[0])
		f.Sender = parts[1]
		f.Content = parts[2]

	case strings.HasPrefix(line, TagRecallRequest):
		id := strings.TrimSpace(line[len(TagRecallRequest):])
		if id == "" {
			return f, nil
		}
		f.Kind = KindRecallRequest
		f.ID = id
		f.Content = ""

	case strings.HasPrefix(line, TagRecall):
		id := strings.TrimSpace(line[len(TagRecall):])
		if id == "" {
			return f, nil
		}
		f.Kind = KindRecall
		f.ID = id
		f.Content = ""

	case strings.HasPrefix(line, TagAttachmentStart):
		return parseAttachment(KindAttachmentStart, line, line[len(TagAttachmentStart):])
	case strings.HasPrefix(line, tagImageStart):
		return parseAttachment(KindAttachmentStart, line, line[len(tagImageStart):])
	case strings.HasPrefix(line, TagAttachment):
		return parseAttachment(KindAttachment, line, line[len(TagAttachment):])
	case strings.HasPrefix(line, tagImageBroadcast):
		return parseAttachment(KindAttachment, line, line[len(tagImageBroadcast):])

	case line == TagAttachmentEnd || line == tagImageEnd:
		f.Kind = KindAttachmentEnd
		f.Content = ""

	case strings.HasPrefix(line, TagNotice):
		f.Kind = KindNotice
		f.Content = strings.TrimSpace(line[len(TagNotice):])

	case strings.HasPrefix(line, TagError):
		f.Kind = KindError
		f.Content = strings.TrimSpace(line[len(TagError):])

	case strings.HasPrefix(line, TagRoster):
		f.Kind = KindRoster
		f.Content = ""
		f.Names = splitNames(line[len(TagRoster):])
	}

	return f, nil
}

// parseAttachment reads "name|size|mime". The name may itself contain '|',
// so the size and MIME type are taken from the right.
func parseAttachment(kind Kind, line, rest string) (Frame, error) {
	last := strings.LastIndexByte(rest, '|')
	if last < 0 {
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformedAttachment, line)
	}
	mid := strings.LastIndexByte(rest[:last], '|')
	if mid < 0 {
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformedAttachment, line)
	}

	size, err := strconv.ParseInt(strings.TrimSpace(rest[mid+1:last]), 10, 64)
	if err != nil || size < 0 {
		return Frame{}, fmt.Errorf("%w: bad size in %q", ErrMalformedAttachment, line)
	}

	return Frame{
		Kind: kind,
		Raw:  line,
		Name: rest[:mid],
		Size: size,
		MIME: strings.TrimSpace(rest[last+1:]),
	}, nil
}

func splitNames(s string) []string {
	names := []string{}
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}
