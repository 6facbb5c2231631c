package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tapcrawler/tapcrawler/internal/config"
)

func TestFormatTable(t *testing.T) {
	colorEnabled = false
	out := formatTable([]string{"VERSION", "OUTCOME"}, [][]string{{"1", "trained"}, {"12", "skipped"}})
	assert.Equal(t, "VERSION  OUTCOME\n-------  -------\n1        trained\n12       skipped\n", out)
	assert.Equal(t, "", formatTable(nil, nil))
}

func TestStripAnsiAndPad(t *testing.T) {
	colored := "\033[32mok\033[0m"
	assert.Equal(t, "ok", stripAnsi(colored))
	assert.Equal(t, colored+"  ", padRight(colored, 4))
	assert.Equal(t, "long", padRight("long", 2))
}

func TestFindAgent(t *testing.T) {
	cfg := config.Default()
	cfg.Collectors = []config.AgentGroup{{Count: 2}}
	spec, err := findAgent(cfg, 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, spec.ID)

	_, err = findAgent(cfg, 99)
	assert.Error(t, err)
}
