package supervisor

import (
	"strconv"
	"strings"
	"time"

	"streamshare/internal/models"
)

// Placeholders recognised in a descriptor's command template.
const (
	PlaceholderOutputDir       = "{output_dir}"
	PlaceholderStreamKey       = "{stream_key}"
	PlaceholderSourceType      = "{source_type}"
	PlaceholderSourceID        = "{source_id}"
	PlaceholderVariant         = "{variant}"
	PlaceholderSegmentDuration = "{segment_duration}"
)

// ExpandCommand substitutes placeholders in every argument of the template.
// The template itself is opaque; nothing else is interpreted.
func ExpandCommand(desc models.SourceDescriptor, outputDir string, segmentDuration time.Duration) []string {
	seconds := int(segmentDuration / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	replacer := strings.NewReplacer(
		PlaceholderOutputDir, outputDir,
		PlaceholderStreamKey, string(desc.Key()),
		PlaceholderSourceType, desc.Type,
		PlaceholderSourceID, desc.ID,
		PlaceholderVariant, desc.Variant,
		PlaceholderSegmentDuration, strconv.Itoa(seconds),
	)
	argv := make([]string, len(desc.Command))
	for i, arg := range desc.Command {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}
