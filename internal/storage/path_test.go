package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "alice/profile/card", ObjectKey("https://pods.example/alice/profile/card"))
	assert.Equal(t, "alice/profile/card", ObjectKey("/alice/profile/card"))
	assert.Equal(t, "alice/doc", ObjectKey("https://pods.example/alice/doc?v=2#frag"))
	assert.Equal(t, "alice/", ObjectKey("https://pods.example/alice/"))
}

func TestCacheFilePathReplacesReservedChars(t *testing.T) {
	got := CacheFilePath("/cache", `/a/we<i>rd:na"me|x*`)
	assert.Equal(t, filepath.Join("/cache", "a", "we_i_rd_na_me_x_"), got)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KiB", FormatBytes(1024))
	assert.Equal(t, "1.50 MiB", FormatBytes(3*1024*1024/2))
	assert.Equal(t, "2.00 GiB", FormatBytes(2*1024*1024*1024))
}
