package privileged

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/fgeck/droidbackup/internal/models"
)

// ssaidSettings mirrors settings_ssaid.xml. Unknown attributes are kept so a
// rewrite only touches the value of one row.
type ssaidSettings struct {
	XMLName xml.Name       `xml:"settings"`
	Attrs   []xml.Attr     `xml:",any,attr"`
	Rows    []ssaidSetting `xml:"setting"`
}

type ssaidSetting struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

func (r *ssaidSetting) attr(name string) string {
	for _, a := range r.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (r *ssaidSetting) setAttr(name, value string) {
	for i := range r.Attrs {
		if r.Attrs[i].Name.Local == name {
			r.Attrs[i].Value = value
			return
		}
	}
	r.Attrs = append(r.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

func (r *ssaidSetting) matches(packageName string, uid int) bool {
	return r.attr("package") == packageName && r.attr("name") == strconv.Itoa(uid)
}

// GetPackageSsaidAsUser reads the per-app Android ID, or "" when none is stored.
func (s *Impl) GetPackageSsaidAsUser(ctx context.Context, packageName string, uid, userID int) (ssaid string) {
	s.guard("GetPackageSsaidAsUser", func() error {
		doc, _, err := s.readSystemXML(ctx, models.ForUser(s.layout.SsaidFile, userID))
		if err != nil {
			return err
		}
		var settings ssaidSettings
		if err := xml.Unmarshal(doc, &settings); err != nil {
			return fmt.Errorf("parsing ssaid settings: %w", err)
		}
		for i := range settings.Rows {
			if settings.Rows[i].matches(packageName, uid) {
				ssaid = settings.Rows[i].attr("value")
				return nil
			}
		}
		return nil
	})
	return ssaid
}

// SetPackageSsaidAsUser rewrites the per-app Android ID of an existing row. The
// app must have been started once so the row exists.
func (s *Impl) SetPackageSsaidAsUser(ctx context.Context, packageName string, uid, userID int, ssaid string) (ok bool) {
	s.guard("SetPackageSsaidAsUser", func() error {
		path := models.ForUser(s.layout.SsaidFile, userID)
		doc, binary, err := s.readSystemXML(ctx, path)
		if err != nil {
			return err
		}
		var settings ssaidSettings
		if err := xml.Unmarshal(doc, &settings); err != nil {
			return fmt.Errorf("parsing ssaid settings: %w", err)
		}

		found := false
		for i := range settings.Rows {
			if settings.Rows[i].matches(packageName, uid) {
				settings.Rows[i].setAttr("value", ssaid)
				settings.Rows[i].setAttr("defaultValue", ssaid)
				found = true
			}
		}
		if !found {
			return fmt.Errorf("no ssaid row for %s (uid %d)", packageName, uid)
		}

		out, err := xml.MarshalIndent(settings, "", "")
		if err != nil {
			return err
		}
		out = append([]byte(xml.Header), out...)
		if err := s.writeSystemXML(ctx, path, out, binary); err != nil {
			return fmt.Errorf("writing ssaid settings: %w", err)
		}
		ok = true
		return nil
	})
	return ok
}
