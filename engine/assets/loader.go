package assets

import (
	"fmt"
	"os"
)

type AssetType uint8

const (
	AssetTypeNone AssetType = iota
	AssetTypeShader
	AssetTypeConfig
	AssetTypeBlob
)

func (t AssetType) String() string {
	switch t {
	case AssetTypeShader:
		return "shader"
	case AssetTypeConfig:
		return "config"
	case AssetTypeBlob:
		return "blob"
	}
	return "none"
}

// Asset is loaded content. The renderer treats Data as opaque bytes.
type Asset struct {
	Name string
	Path string
	Type AssetType
	Data []byte
}

type Loader interface {
	Load(name, path string, assetType AssetType) (*Asset, error)
	Unload(*Asset) error
}

// blobLoader reads the whole file.
type blobLoader struct{}

func (blobLoader) Load(name, path string, assetType AssetType) (*Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s `%s`: %w", assetType, name, err)
	}
	return &Asset{
		Name: name,
		Path: path,
		Type: assetType,
		Data: data,
	}, nil
}

func (blobLoader) Unload(a *Asset) error {
	a.Data = nil
	return nil
}

// shaderLoader is a blobLoader that rejects empty stage blobs.
type shaderLoader struct {
	blobLoader
}

func (l shaderLoader) Load(name, path string, assetType AssetType) (*Asset, error) {
	a, err := l.blobLoader.Load(name, path, assetType)
	if err != nil {
		return nil, err
	}
	if len(a.Data) == 0 {
		return nil, fmt.Errorf("shader `%s` is empty", name)
	}
	return a, nil
}
