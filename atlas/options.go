package atlas

import (
	"go.uber.org/zap"

	"github.com/veiloq/tempgres/config"
)

// WithAtlas configures the kit to run Atlas migrations using the HCL path
// set by config.WithAtlasHCLPath (default "atlas.hcl"). The nop logger here
// only covers option processing; the kit's logger is used during Apply.
func WithAtlas() config.Option {
	return func(sts *config.Settings) {
		sts.SetMigrator(NewMigrator(sts.AtlasHCLPath(), zap.NewNop()))
	}
}
