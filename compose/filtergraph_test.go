package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGraphSerialization(t *testing.T) {
	var g Graph
	g.Filter("scale").From("1:v").Arg("w", 320).Arg("h", 240).To("ov")
	g.Filter("overlay").From("0:v", "ov").Arg("x", 50).Arg("y", 50).To("out")

	assert.Equal(t, "[1:v]scale=w=320:h=240[ov];[0:v][ov]overlay=x=50:y=50[out]", g.String())
}

func TestGraphRawArgs(t *testing.T) {
	var g Graph
	g.Filter("setsar").From("a").RawArg("1").To("b")
	g.Filter("color").Arg("c", "black").Arg("s", "640x360").To("blank")

	assert.Equal(t, "[a]setsar=1[b];color=c=black:s=640x360[blank]", g.String())
}

func TestGraphEmpty(t *testing.T) {
	var g Graph
	assert.True(t, g.Empty())
	g.Filter("null").From("a").To("b")
	assert.False(t, g.Empty())
}

func TestForceStyleIsDeterministic(t *testing.T) {
	style := map[string]string{
		"FontSize":      "24",
		"FontName":      "PingFang SC",
		"PrimaryColour": "&HFFFFFF&",
	}
	assert.Equal(t, "FontName=PingFang SC,FontSize=24,PrimaryColour=&HFFFFFF&", forceStyle(style))
}

func TestEscapeFilterPath(t *testing.T) {
	assert.Equal(t, `/tmp/a\:b\'c`, escapeFilterPath(`/tmp/a:b'c`))
}
