package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "joao conceicao", Fold("  João   CONCEIÇÃO "))
	assert.Equal(t, "clinica sao jose", Fold("Clínica São José"))
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, "%acai%", LikePattern("Açaí"))
	assert.Equal(t, "%ab%", LikePattern("a%b_"))
	assert.Equal(t, "", LikePattern("   "))
}

func TestEmail(t *testing.T) {
	assert.True(t, Email("ana@clinica.com.br"))
	assert.False(t, Email("Ana <ana@clinica.com.br>"))
	assert.False(t, Email("ana@localhost"))
	assert.False(t, Email("ana"))
}

func TestClock(t *testing.T) {
	m, ok := Clock("08:30")
	assert.True(t, ok)
	assert.Equal(t, 510, m)
	_, ok = Clock("8:30")
	assert.False(t, ok)
	_, ok = Clock("25:00")
	assert.False(t, ok)
	assert.Equal(t, "07:05", FormatClock(425))
	assert.Equal(t, "00:00", FormatClock(0))
	assert.Equal(t, "23:59", FormatClock(1439))
}

func TestFieldsKeepFirstMessage(t *testing.T) {
	f := Fields{}
	f.Required("name", " ")
	f.Add("name", "outro")
	f.MaxLen("title", "abcdef", 3)
	assert.Equal(t, "obrigatório", f["name"])
	assert.Equal(t, "máximo de 3 caracteres", f["title"])
}
