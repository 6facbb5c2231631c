package environment

import (
	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

// ActionMapper translates a model action into device coordinates and an
// event type.
type ActionMapper func(action tensor.Array) (x, y, eventType int)

// GridMapper maps actions of the form (row, col, type) on a prediction grid
// of shape grid to the center of the matching cell inside the crop region.
func GridMapper(cfg config.EnvironmentConfig, grid [2]int) ActionMapper {
	return func(action tensor.Array) (int, int, int) {
		var pos [2]int
		for i := 0; i < 2; i++ {
			cell := 0.0
			if i < action.Len() {
				cell = action.At(i)
			}
			pos[i] = int((cell+0.5)*float64(cfg.CropSize[i])/float64(grid[i])) + cfg.CropTopLeft[i]
		}
		eventType := 0
		if action.Len() > 2 {
			eventType = int(action.At(2))
		}
		return pos[1], pos[0], eventType
	}
}
