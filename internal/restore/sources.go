package restore

import (
	"fmt"

	"pricescout/internal/manifest"
)

// ManifestReader picks where the latest manifest is read from: "file" reads
// dir, "kafka" reads the compacted topic.
func ManifestReader(kind, dir string, brokers []string, topic, key string) (manifest.Reader, error) {
	switch kind {
	case "file", "":
		return manifest.NewFilesystemManifest(dir), nil
	case "kafka":
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka manifest source needs brokers")
		}
		return manifest.NewKafkaReader(brokers, topic, key), nil
	default:
		return nil, fmt.Errorf("unknown manifest source %q", kind)
	}
}

// ChangelogSource picks the replay source: "file" reads path, "kafka" reads
// partition 0 of topic.
func ChangelogSource(kind, path string, brokers []string, topic string) (Source, error) {
	switch kind {
	case "file", "":
		return FileSource{Path: path}, nil
	case "kafka":
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka changelog source needs brokers")
		}
		return NewKafkaSource(brokers, topic), nil
	default:
		return nil, fmt.Errorf("unknown changelog source %q", kind)
	}
}
