package config

// Store location config keys.
const (
	KeyMetadataStorePath = "store.metadata-path"
	KeyPhysicalStoreDir  = "store.physical-dir"
)

// StoreConfig resolves where the metadata database and the physical
// fragment store live on disk.
type StoreConfig struct {
	MetadataPath string
	PhysicalDir  string
}

// RegisterStoreDefaults seeds store location defaults.
func RegisterStoreDefaults() {
	if v == nil {
		return
	}
	v.SetDefault(KeyMetadataStorePath, "./sgr-objects/metadata.db")
	v.SetDefault(KeyPhysicalStoreDir, "./sgr-objects/objects")
}

// GetStoreConfig returns the current store location configuration.
func GetStoreConfig() StoreConfig {
	return StoreConfig{
		MetadataPath: GetString(KeyMetadataStorePath),
		PhysicalDir:  GetString(KeyPhysicalStoreDir),
	}
}
