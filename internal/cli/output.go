package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gregLibert/desfire/pkg/desfire"
	"github.com/gregLibert/desfire/pkg/iso7816"
)

const (
	formatText = "text"
	formatJSON = "json"
)

type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string, w io.Writer) *printer {
	if format == "" {
		format = formatText
	}
	return &printer{format: format, w: w}
}

func (p *printer) check() error {
	switch p.format {
	case formatText, formatJSON:
		return nil
	}
	return fmt.Errorf("unknown output format: %s", p.format)
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) readers(names []string) error {
	if p.format == formatJSON {
		return p.json(map[string]any{"readers": names})
	}
	if len(names) == 0 {
		fmt.Fprintln(p.w, "No reader connected")
		return nil
	}
	for i, n := range names {
		fmt.Fprintf(p.w, "%d: %s\n", i, n)
	}
	return nil
}

func productJSON(pi desfire.ProductInfo) map[string]any {
	size, exact := pi.Storage()
	return map[string]any{
		"vendor_id":     pi.VendorID,
		"type":          pi.Type,
		"sub_type":      pi.SubType,
		"version":       fmt.Sprintf("%d.%d", pi.MajorVersion, pi.MinorVersion),
		"storage_bytes": size,
		"storage_exact": exact,
		"protocol":      pi.Protocol,
	}
}

func (p *printer) version(v desfire.Version) error {
	if p.format == formatJSON {
		return p.json(map[string]any{
			"generation":      v.Generation(),
			"uid":             hex.EncodeToString(v.UID),
			"batch_no":        hex.EncodeToString(v.BatchNo),
			"production_week": fmt.Sprintf("%02X", v.ProductionWeek),
			"production_year": fmt.Sprintf("20%02X", v.ProductionYear),
			"hardware":        productJSON(v.Hardware),
			"software":        productJSON(v.Software),
		})
	}
	size, exact := v.Hardware.Storage()
	approx := ""
	if !exact {
		approx = "+"
	}
	fmt.Fprintf(p.w, "Chip:       %s\n", v.Generation())
	fmt.Fprintf(p.w, "UID:        %X\n", v.UID)
	fmt.Fprintf(p.w, "Storage:    %d%s bytes\n", size, approx)
	fmt.Fprintf(p.w, "Hardware:   vendor 0x%02X type 0x%02X.%02X v%d.%d\n",
		v.Hardware.VendorID, v.Hardware.Type, v.Hardware.SubType, v.Hardware.MajorVersion, v.Hardware.MinorVersion)
	fmt.Fprintf(p.w, "Software:   vendor 0x%02X type 0x%02X.%02X v%d.%d\n",
		v.Software.VendorID, v.Software.Type, v.Software.SubType, v.Software.MajorVersion, v.Software.MinorVersion)
	fmt.Fprintf(p.w, "Batch:      %X\n", v.BatchNo)
	fmt.Fprintf(p.w, "Production: week %02X of 20%02X\n", v.ProductionWeek, v.ProductionYear)
	return nil
}

func (p *printer) applications(aids []desfire.AID) error {
	if p.format == formatJSON {
		list := make([]string, len(aids))
		for i, a := range aids {
			list[i] = a.String()
		}
		return p.json(map[string]any{"applications": list})
	}
	if len(aids) == 0 {
		fmt.Fprintln(p.w, "No application")
		return nil
	}
	for _, a := range aids {
		fmt.Fprintln(p.w, a)
	}
	return nil
}

type fileEntry struct {
	No       byte
	Settings desfire.FileSettings
	Err      error
}

func (p *printer) files(files []fileEntry) error {
	if p.format == formatJSON {
		list := make([]map[string]any, len(files))
		for i, f := range files {
			e := map[string]any{"file_no": f.No}
			if f.Err != nil {
				e["error"] = f.Err.Error()
			} else {
				e["type"] = f.Settings.Type.String()
				e["comm_mode"] = f.Settings.CommMode.String()
				e["access"] = f.Settings.AccessRights.String()
				e["size"] = f.Settings.Size
			}
			list[i] = e
		}
		return p.json(map[string]any{"files": list})
	}
	if len(files) == 0 {
		fmt.Fprintln(p.w, "No file")
		return nil
	}
	for _, f := range files {
		if f.Err != nil {
			fmt.Fprintf(p.w, "%02X: %v\n", f.No, f.Err)
			continue
		}
		fmt.Fprintf(p.w, "%02X: %s\n", f.No, f.Settings)
	}
	return nil
}

func (p *printer) keySettings(aid desfire.AID, ks desfire.KeySettings) error {
	if p.format == formatJSON {
		return p.json(map[string]any{
			"aid":                      aid.String(),
			"raw":                      hex.EncodeToString(ks.Raw[:]),
			"master_key_changeable":    ks.MasterKeyChangeable,
			"free_directory_list":      ks.FreeDirectoryList,
			"free_create_delete":       ks.FreeCreateDelete,
			"configuration_changeable": ks.ConfigurationMutable,
			"change_key_access":        ks.ChangeKeyAccess,
			"max_keys":                 ks.MaxKeys,
			"key_type":                 ks.KeyType.String(),
		})
	}
	fmt.Fprintf(p.w, "%s: %s\n", aid, ks)
	return nil
}

func (p *printer) data(b []byte) error {
	if p.format == formatJSON {
		return p.json(map[string]any{"data": hex.EncodeToString(b), "length": len(b)})
	}
	fmt.Fprintln(p.w, strings.ToUpper(hex.EncodeToString(b)))
	return nil
}

func (p *printer) uid(b []byte) error {
	if p.format == formatJSON {
		return p.json(map[string]any{"uid": hex.EncodeToString(b)})
	}
	fmt.Fprintf(p.w, "%X\n", b)
	return nil
}

func (p *printer) authenticated(s *desfire.Session, keyNo byte) error {
	id := s.ID().String()
	if p.format == formatJSON {
		return p.json(map[string]any{
			"aid":     s.AID().String(),
			"key_no":  keyNo,
			"method":  s.AuthMethod().String(),
			"session": id,
		})
	}
	fmt.Fprintf(p.w, "Authenticated to %s with key %d (%s)\n", s.AID(), keyNo, s.AuthMethod())
	return nil
}

func (p *printer) selection(res *iso7816.SelectResult) error {
	if p.format == formatJSON {
		out := map[string]any{"status": fmt.Sprintf("%04X", uint16(res.Last().Response.Status))}
		if fci, err := res.FCI(); err == nil && fci != nil {
			if name := fci.DFName(); name != nil {
				out["df_name"] = hex.EncodeToString(name)
			}
			if fid, ok := fci.FileID(); ok {
				out["file_id"] = fmt.Sprintf("%04X", fid)
			}
		}
		return p.json(out)
	}
	fmt.Fprint(p.w, res.Describe())
	return nil
}

func (p *printer) success(message string) error {
	if p.format == formatJSON {
		return p.json(map[string]any{"status": "success", "message": message})
	}
	fmt.Fprintln(p.w, message)
	return nil
}
