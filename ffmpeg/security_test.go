package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitExtraArgs(t *testing.T) {
	extra := `-preset veryfast -vf "scale=1280:-1" -c:v libx264`
	expected := []string{"-preset", "veryfast", "-vf", "scale=1280:-1", "-c:v", "libx264"}

	args, err := SplitExtraArgs(extra)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)
}

func TestValidateExtraArgs(t *testing.T) {
	t.Run("valid arguments", func(t *testing.T) {
		args, _ := SplitExtraArgs(`-preset veryfast -crf 23`)
		err := ValidateExtraArgs(args)
		assert.NoError(t, err)
	})

	t.Run("input option is rejected", func(t *testing.T) {
		args, _ := SplitExtraArgs(`-i /etc/passwd`)
		err := ValidateExtraArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed option in extra arguments: -i")
	})

	t.Run("disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitExtraArgs(`-crf 23; ls`)
		err := ValidateExtraArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: 23;")
	})

	t.Run("disallowed character (dollar)", func(t *testing.T) {
		args, _ := SplitExtraArgs(`-vf "crop=$(($RANDOM))"`)
		err := ValidateExtraArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: crop=$(($RANDOM))")
	})
}
