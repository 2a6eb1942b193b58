package backend

// Patient is the cached projection of a backend patient record.
type Patient struct {
	ID          int    `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	NationalID  string `json:"national_id"`
	Contact     string `json:"contact,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Details     string `json:"details,omitempty"`
}

// FullName returns "first last" as entered, without normalization.
func (p Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}

// ScanRecord is one scan result row from the backend.
type ScanRecord struct {
	ID               int      `json:"id"`
	PatientID        int      `json:"patient_id"`
	CreatedAt        string   `json:"created_at"`
	PreviewImageURL  string   `json:"preview_image_url"`
	VolumeEstimate   *float64 `json:"volume_estimate,omitempty"`
	STLFileURL       string   `json:"stl_file_url,omitempty"`
	DepthMap8BitURL  string   `json:"depth_map_8bit_url,omitempty"`
	DepthMap16BitURL string   `json:"depth_map_16bit_url,omitempty"`
}

// PatientFields is a partial update: only non-empty keys are overlaid onto
// the current record during update's GET-merge-PUT.
type PatientFields map[string]string

// Overlay applies the fields onto a copy of p and returns it.
func (f PatientFields) Overlay(p Patient) Patient {
	merged := p
	for key, value := range f {
		switch key {
		case "first_name":
			merged.FirstName = value
		case "last_name":
			merged.LastName = value
		case "national_id":
			merged.NationalID = value
		case "contact":
			merged.Contact = value
		case "date_of_birth":
			merged.DateOfBirth = value
		case "details":
			merged.Details = value
		}
	}
	return merged
}
