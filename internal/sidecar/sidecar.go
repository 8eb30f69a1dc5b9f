// Package sidecar implements the durable JSON metadata record (C7) saved
// alongside every image produced by the backup engine. It validates loaded
// documents against a published JSON Schema before any field is trusted,
// and preserves fields it does not recognize across a load/save round trip.
package sidecar

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chronos-imaging/chronos/internal/chronoserr"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

func newJSONReader(b []byte) io.Reader { return bytes.NewReader(b) }

//go:embed schema.json
var schemaSource []byte

const suffix = ".chronos.json"

// PathFor returns the sidecar path for a given image path.
func PathFor(imagePath string) string { return imagePath + suffix }

var compiledSchema *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("chronos-sidecar.json", newJSONReader(schemaSource)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile("chronos-sidecar.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiledSchema = s
	return s, nil
}

// FromDisk builds a fresh sidecar describing disk and its partitions, ready
// for ExpectedAllocatedBytes to be set before Save.
func FromDisk(disk model.DiskIdentity, partitions []model.Partition, sectorSize uint32) *model.ImageSidecar {
	parts := make([]model.SidecarPartition, 0, len(partitions))
	for _, p := range partitions {
		parts = append(parts, model.SidecarPartition{
			Number:     p.Number,
			Offset:     p.Offset,
			Size:       p.SizeBytes,
			Type:       p.Type,
			VolumePath: p.VolumePath,
		})
	}
	return &model.ImageSidecar{
		Version:          1,
		SourceSectorSize: sectorSize,
		Disk: model.SidecarDisk{
			Index:    disk.Index,
			Model:    disk.Model,
			Serial:   disk.Serial,
			Size:     disk.SizeBytes,
			IsSystem: disk.IsSystem,
			IsBoot:   disk.IsBoot,
		},
		Partitions: parts,
	}
}

// ToDiskAndPartitions reconstructs the DiskIdentity and Partition list a
// reader needs without consulting the image itself.
func ToDiskAndPartitions(s *model.ImageSidecar) (model.DiskIdentity, []model.Partition) {
	disk := model.DiskIdentity{
		Index:             s.Disk.Index,
		Model:             s.Disk.Model,
		Serial:            s.Disk.Serial,
		SizeBytes:         s.Disk.Size,
		LogicalSectorSize: s.SourceSectorSize,
		IsSystem:          s.Disk.IsSystem,
		IsBoot:            s.Disk.IsBoot,
	}
	parts := make([]model.Partition, 0, len(s.Partitions))
	for _, p := range s.Partitions {
		parts = append(parts, model.Partition{
			DiskIndex:  s.Disk.Index,
			Number:     p.Number,
			Offset:     p.Offset,
			SizeBytes:  p.Size,
			Type:       p.Type,
			VolumePath: p.VolumePath,
		})
	}
	return disk, parts
}

// Save writes the sidecar for imagePath atomically: write to a temp file in
// the same directory, then rename over the destination.
func Save(s *model.ImageSidecar, imagePath string) error {
	out, err := marshal(s)
	if err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "sidecar.Save", err)
	}

	dest := PathFor(imagePath)
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".chronos-sidecar-*.tmp")
	if err != nil {
		return chronoserr.New(chronoserr.KindDeviceIoError, "sidecar.Save", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return chronoserr.New(chronoserr.KindDeviceIoError, "sidecar.Save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return chronoserr.New(chronoserr.KindDeviceIoError, "sidecar.Save", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return chronoserr.New(chronoserr.KindDeviceIoError, "sidecar.Save", err)
	}
	return nil
}

// Load reads and schema-validates the sidecar for imagePath. It returns
// (nil, nil) if no sidecar file exists — callers treat that as Option::None.
func Load(imagePath string) (*model.ImageSidecar, error) {
	path := PathFor(imagePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, chronoserr.New(chronoserr.KindDeviceIoError, "sidecar.Load", err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, chronoserr.New(chronoserr.KindCorruptSidecar, "sidecar.Load", err)
	}

	sch, err := schema()
	if err != nil {
		return nil, fmt.Errorf("sidecar.Load: %w", err)
	}
	if err := sch.Validate(generic); err != nil {
		return nil, chronoserr.New(chronoserr.KindCorruptSidecar, "sidecar.Load", err)
	}

	var s model.ImageSidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, chronoserr.New(chronoserr.KindCorruptSidecar, "sidecar.Load", err)
	}

	known := map[string]struct{}{
		"version": {}, "source_sector_size": {}, "expected_allocated_bytes": {},
		"disk": {}, "partitions": {}, "chain_id": {}, "sequence": {},
		"parent_path": {}, "kind": {}, "created_at": {}, "tool_version": {},
	}
	var rawFields map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawFields); err == nil {
		extra := map[string]any{}
		for k, v := range rawFields {
			if _, ok := known[k]; ok {
				continue
			}
			var val any
			if err := json.Unmarshal(v, &val); err == nil {
				extra[k] = val
			}
		}
		if len(extra) > 0 {
			s.Extra = extra
		}
	}

	return &s, nil
}

func marshal(s *model.ImageSidecar) ([]byte, error) {
	base, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return append(base, '\n'), nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = enc
	}
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
