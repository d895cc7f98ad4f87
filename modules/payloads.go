package modules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/songzhibin97/cmms-cartable/tracking"
)

// LaborRow is one technician's time on a work order.
type LaborRow struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	StartDate       string  `json:"startDate"`
	StartTime       string  `json:"startTime"`
	EndDate         string  `json:"endDate"`
	EndTime         string  `json:"endTime"`
	DurationMinutes float64 `json:"durationMinutes"`
}

// PartRow is a spare part consumed by a work order.
type PartRow struct {
	ID   string  `json:"id"`
	Code string  `json:"code"`
	Name string  `json:"name"`
	Qty  float64 `json:"qty"`
	Unit string  `json:"unit"`
}

// DocRow references an attached document.
type DocRow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkOrder is a maintenance request on a piece of equipment.
type WorkOrder struct {
	EquipCode      string     `json:"equipCode"`
	EquipName      string     `json:"equipName"`
	EquipLocalName string     `json:"equipLocalName"`
	LocationID     string     `json:"locationId"`
	ProductionLine string     `json:"productionLine"`
	Requester      string     `json:"requester"`
	ReportDate     string     `json:"reportDate"`
	ReportTime     string     `json:"reportTime"`
	WorkCategory   string     `json:"workCategory"`
	WorkType       string     `json:"workType"`
	Priority       string     `json:"priority"`
	FailureDesc    string     `json:"failureDesc"`
	ActionDesc     string     `json:"actionDesc"`
	StartDate      string     `json:"startDate"`
	StartTime      string     `json:"startTime"`
	EndDate        string     `json:"endDate"`
	EndTime        string     `json:"endTime"`
	Downtime       string     `json:"downtime"`
	RepairTime     string     `json:"repairTime"`
	Labor          []LaborRow `json:"labor"`
	Parts          []PartRow  `json:"parts"`
	Docs           []DocRow   `json:"docs"`
}

func (WorkOrder) Module() string { return ModuleWorkOrder }
func (WorkOrder) Kind() string   { return tracking.KindWorkOrder }

func (w WorkOrder) Title() string {
	equip := w.EquipName
	if equip == "" {
		equip = w.EquipLocalName
	}
	return fmt.Sprintf("درخواست کار: %s - %s", equip, excerpt(w.FailureDesc, 30))
}

func (w WorkOrder) Validate() error {
	switch {
	case w.EquipCode == "" && w.EquipLocalName == "":
		return invalid("equipment code or local name is required")
	case w.ProductionLine == "":
		return invalid("production line is required")
	case w.WorkCategory == "":
		return invalid("work category is required")
	case strings.TrimSpace(w.FailureDesc) == "":
		return invalid("failure description is required")
	}
	return nil
}

// PartRequest asks the storekeeper for a spare part.
type PartRequest struct {
	PartName         string  `json:"partName"`
	PartCode         string  `json:"partCode"`
	Qty              float64 `json:"qty"`
	Unit             string  `json:"unit"`
	RelatedWorkOrder string  `json:"relatedWorkOrder"`
	RequestReason    string  `json:"requestReason"`
}

func (PartRequest) Module() string  { return ModulePartRequest }
func (PartRequest) Kind() string    { return tracking.KindPart }
func (p PartRequest) Title() string { return "درخواست قطعه: " + p.PartName }

// Validate requires a reason when the request is not tied to a work order.
func (p PartRequest) Validate() error {
	switch {
	case strings.TrimSpace(p.PartName) == "":
		return invalid("part name is required")
	case p.Qty <= 0:
		return invalid("quantity must be positive")
	case p.RelatedWorkOrder == "" && strings.TrimSpace(p.RequestReason) == "":
		return invalid("request reason is required without a related work order")
	}
	return nil
}

// Milestone is a weighted phase of a project.
type Milestone struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Weight   float64 `json:"weight"`
	Progress float64 `json:"progress"`
}

// Project is a planned project with weighted milestones.
type Project struct {
	Name        string      `json:"title"`
	Manager     string      `json:"manager"`
	Budget      float64     `json:"budget"`
	StartDate   string      `json:"startDate"`
	EndDate     string      `json:"endDate"`
	Description string      `json:"description"`
	Milestones  []Milestone `json:"milestones"`
	Progress    float64     `json:"progress"`
}

func (Project) Module() string  { return ModuleProject }
func (Project) Kind() string    { return tracking.KindProject }
func (p Project) Title() string { return "پروژه: " + p.Name }

// Validate requires milestone weights, when any are given, to total 100.
func (p Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("project title is required")
	}
	if len(p.Milestones) == 0 {
		return nil
	}
	var total float64
	for _, m := range p.Milestones {
		total += m.Weight
	}
	if total != 100 {
		return invalid("milestone weights must total 100, got %v", total)
	}
	return nil
}

// TotalProgress is the weight-averaged milestone progress rounded to a whole percent.
func (p Project) TotalProgress() float64 {
	var weight, weighted float64
	for _, m := range p.Milestones {
		weight += m.Weight
		weighted += m.Progress * m.Weight
	}
	if weight == 0 {
		return 0
	}
	return float64(int(weighted/weight + 0.5))
}

func (p Project) derive() Payload {
	p.Progress = p.TotalProgress()
	return p
}

var requestNumberPattern = regexp.MustCompile(`^\d{2}/\d{4}$`)

// PurchaseRequest is a purchase requisition numbered YY/NNNN.
type PurchaseRequest struct {
	RequestNumber string  `json:"requestNumber"`
	Desc          string  `json:"desc"`
	Qty           float64 `json:"qty"`
	Unit          string  `json:"unit"`
}

func (PurchaseRequest) Module() string  { return ModulePurchase }
func (PurchaseRequest) Kind() string    { return tracking.KindPurchase }
func (p PurchaseRequest) Title() string { return "خرید: " + excerpt(p.Desc, 15) }

func (p PurchaseRequest) Validate() error {
	switch {
	case !requestNumberPattern.MatchString(p.RequestNumber):
		return invalid("request number %q must look like 03/1005", p.RequestNumber)
	case strings.TrimSpace(p.Desc) == "":
		return invalid("description is required")
	case p.Qty <= 0:
		return invalid("quantity must be positive")
	}
	return nil
}

// Attendee is a meeting participant.
type Attendee struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// Meeting is the minutes of a meeting.
type Meeting struct {
	Code          string     `json:"code"`
	Subject       string     `json:"subject"`
	Location      string     `json:"location"`
	MeetingDate   string     `json:"meetingDate"`
	StartTime     string     `json:"startTime"`
	EndTime       string     `json:"endTime"`
	Decisions     string     `json:"decisions"`
	Attendees     []Attendee `json:"attendeesList"`
	AttendeesText string     `json:"attendees"`
}

func (Meeting) Module() string  { return ModuleMeeting }
func (Meeting) Kind() string    { return tracking.KindMeeting }
func (m Meeting) Title() string { return "صورتجلسه: " + m.Subject }

func (m Meeting) Validate() error {
	if strings.TrimSpace(m.Subject) == "" {
		return invalid("subject is required")
	}
	if len(m.Attendees) == 0 {
		return invalid("at least one attendee is required")
	}
	for i, a := range m.Attendees {
		if a.Name == "" || a.Role == "" {
			return invalid("attendee %d needs a name and a role", i+1)
		}
	}
	return nil
}

// derive renders the attendees as "name - role" lines.
func (m Meeting) derive() Payload {
	lines := make([]string, 0, len(m.Attendees))
	for _, a := range m.Attendees {
		lines = append(lines, a.Name+" - "+a.Role)
	}
	m.AttendeesText = strings.Join(lines, "\n")
	return m
}

// Criterion is one scored line of a performance review.
type Criterion struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Max   float64 `json:"max"`
}

// Performance is a personnel performance review for a period.
type Performance struct {
	PersonnelID   string      `json:"personnelId"`
	PersonnelName string      `json:"personnelName"`
	Unit          string      `json:"unit"`
	Period        string      `json:"period"`
	Criteria      []Criterion `json:"criteria"`
	TotalScore    float64     `json:"totalScore"`
}

func (Performance) Module() string { return ModulePerformance }
func (Performance) Kind() string   { return tracking.KindMeeting }

func (p Performance) Title() string {
	return fmt.Sprintf("ارزیابی عملکرد: %s - %s", p.PersonnelName, p.Period)
}

func (p Performance) Validate() error {
	if p.PersonnelID == "" {
		return invalid("personnel is required")
	}
	for _, c := range p.Criteria {
		if c.Score < 0 || (c.Max > 0 && c.Score > c.Max) {
			return invalid("score of %q must be between 0 and %v", c.Label, c.Max)
		}
	}
	return nil
}

func (p Performance) derive() Payload {
	p.TotalScore = 0
	for _, c := range p.Criteria {
		p.TotalScore += c.Score
	}
	return p
}

// Suggestion is a free-text improvement suggestion.
type Suggestion struct {
	Text string `json:"text"`
}

func (Suggestion) Module() string  { return ModuleSuggestion }
func (Suggestion) Kind() string    { return tracking.KindSuggestion }
func (s Suggestion) Title() string { return "پیشنهاد: " + excerpt(s.Text, 20) }

func (s Suggestion) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return invalid("suggestion text is required")
	}
	return nil
}

// Attendance statuses of a shift report.
const (
	AttendancePresent = "PRESENT"
	AttendanceAbsent  = "ABSENT"
	AttendanceRest    = "REST"
)

// Production lines of a shift report.
const (
	LineA = "lineA"
	LineB = "lineB"
)

// ShiftInfo identifies a shift.
type ShiftInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Date       string `json:"date"`
	Supervisor string `json:"supervisor"`
}

// Attendance lists personnel IDs by status. Map is the source; the lists are derived.
type Attendance struct {
	Present []string          `json:"present"`
	Absent  []string          `json:"absent"`
	Rest    []string          `json:"rest"`
	Map     map[string]string `json:"map"`
}

// LineDowntime is the work and stop time of one production line.
type LineDowntime struct {
	WorkTime string `json:"workTime"`
	StopTime string `json:"stopTime"`
	Reason   string `json:"reason"`
}

// Pumps lists the pumps running during the shift.
type Pumps struct {
	Process    []string `json:"process"`
	CleanWater []string `json:"cleanWater"`
}

// ShiftFooter carries the handover notes.
type ShiftFooter struct {
	NextShiftActions string `json:"nextShiftActions"`
}

// ShiftReport is a plant shift handover report.
type ShiftReport struct {
	ShiftInfo  ShiftInfo                     `json:"shiftInfo"`
	Attendance Attendance                    `json:"attendance"`
	Production map[string]map[string]float64 `json:"production"`
	FeedTypes  map[string]map[string]string  `json:"feedTypes"`
	// Equipment holds per-unit readings (ball mills, filters, thickeners...).
	Equipment map[string]interface{}  `json:"equipment,omitempty"`
	Pumps     Pumps                   `json:"pumps"`
	Downtime  map[string]LineDowntime `json:"downtime"`
	Footer    ShiftFooter             `json:"footer"`
	TotalA    float64                 `json:"totalA"`
	TotalB    float64                 `json:"totalB"`
}

func (ShiftReport) Module() string { return ModuleShiftReport }
func (ShiftReport) Kind() string   { return tracking.KindShiftReport }

func (r ShiftReport) Title() string {
	return fmt.Sprintf("گزارش شیفت %s - %s", r.ShiftInfo.Name, r.ShiftInfo.Date)
}

// Validate requires a reason for every line that stopped.
func (r ShiftReport) Validate() error {
	if r.ShiftInfo.Name == "" || r.ShiftInfo.Date == "" {
		return invalid("shift name and date are required")
	}
	for _, line := range []string{LineA, LineB} {
		d := r.Downtime[line]
		if d.StopTime != "" && d.StopTime != "00:00" && strings.TrimSpace(d.Reason) == "" {
			return invalid("stop reason of %s is required", line)
		}
	}
	for id, status := range r.Attendance.Map {
		switch status {
		case AttendancePresent, AttendanceAbsent, AttendanceRest:
		default:
			return invalid("unknown attendance status %q for %s", status, id)
		}
	}
	return nil
}

// TotalTonnage sums the production of line.
func (r ShiftReport) TotalTonnage(line string) float64 {
	var total float64
	for _, v := range r.Production[line] {
		total += v
	}
	return total
}

func (r ShiftReport) derive() Payload {
	r.Attendance.Present, r.Attendance.Absent, r.Attendance.Rest = nil, nil, nil
	ids := make([]string, 0, len(r.Attendance.Map))
	for id := range r.Attendance.Map {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		switch r.Attendance.Map[id] {
		case AttendancePresent:
			r.Attendance.Present = append(r.Attendance.Present, id)
		case AttendanceAbsent:
			r.Attendance.Absent = append(r.Attendance.Absent, id)
		case AttendanceRest:
			r.Attendance.Rest = append(r.Attendance.Rest, id)
		}
	}
	r.TotalA = r.TotalTonnage(LineA)
	r.TotalB = r.TotalTonnage(LineB)
	return r
}
