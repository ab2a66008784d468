package dataset

import (
	"sort"
	"strings"
)

// Presets are ready-made configs for well-known public EHR dumps. They are
// plain data; any of them can be copied and edited like a loaded YAML file.

func MIMIC3() Config {
	admissionTime := JoinConfig{FilePath: "ADMISSIONS.csv.gz", On: "hadm_id", How: "inner", Columns: []string{"dischtime"}}
	return Config{Version: "1.4", Tables: map[string]TableConfig{
		"patients": {
			FilePath:   "PATIENTS.csv.gz",
			PatientID:  "subject_id",
			Attributes: []string{"gender", "dob", "dod", "dod_hosp", "dod_ssn", "expire_flag"},
		},
		"admissions": {
			FilePath:  "ADMISSIONS.csv.gz",
			PatientID: "subject_id",
			Timestamp: Columns{"admittime"},
			Attributes: []string{
				"hadm_id", "admission_type", "admission_location", "insurance", "language",
				"religion", "marital_status", "ethnicity", "edregtime", "edouttime",
				"diagnosis", "discharge_location", "dischtime", "hospital_expire_flag",
			},
		},
		"icustays": {
			FilePath:   "ICUSTAYS.csv.gz",
			PatientID:  "subject_id",
			Timestamp:  Columns{"intime"},
			Attributes: []string{"icustay_id", "first_careunit", "dbsource", "last_careunit", "outtime"},
		},
		"diagnoses_icd": {
			FilePath:   "DIAGNOSES_ICD.csv.gz",
			PatientID:  "subject_id",
			Timestamp:  Columns{"dischtime"},
			Attributes: []string{"hadm_id", "icd9_code", "seq_num"},
			Join:       []JoinConfig{admissionTime},
		},
		"procedures_icd": {
			FilePath:   "PROCEDURES_ICD.csv.gz",
			PatientID:  "subject_id",
			Timestamp:  Columns{"dischtime"},
			Attributes: []string{"hadm_id", "icd9_code", "seq_num"},
			Join:       []JoinConfig{admissionTime},
		},
		"prescriptions": {
			FilePath:  "PRESCRIPTIONS.csv.gz",
			PatientID: "subject_id",
			Timestamp: Columns{"startdate"},
			Attributes: []string{
				"hadm_id", "drug", "drug_type", "drug_name_poe", "drug_name_generic",
				"formulary_drug_cd", "gsn", "ndc", "prod_strength", "dose_val_rx",
				"dose_unit_rx", "form_val_disp", "form_unit_disp", "route", "enddate",
			},
		},
		"labevents": {
			FilePath:   "LABEVENTS.csv.gz",
			PatientID:  "subject_id",
			Timestamp:  Columns{"charttime"},
			Attributes: []string{"hadm_id", "itemid", "value", "valuenum", "valueuom", "flag"},
		},
	}}
}

func MIMIC4EHR() Config {
	admissionTime := JoinConfig{FilePath: "hosp/admissions.csv.gz", On: "hadm_id", How: "inner", Columns: []string{"dischtime"}}
	return Config{Version: "2.2", Tables: map[string]TableConfig{
		"patients": {
			FilePath:   "hosp/patients.csv.gz",
			PatientID:  "subject_id",
			Attributes: []string{"gender", "anchor_age", "anchor_year", "anchor_year_group", "dod"},
		},
		"admissions": {
			FilePath:  "hosp/admissions.csv.gz",
			PatientID: "subject_id",
			Timestamp: Columns{"admittime"},
			Attributes: []string{
				"hadm_id", "admission_type", "admission_location", "insurance", "language",
				"marital_status", "race", "discharge_location", "dischtime", "hospital_expire_flag",
			},
		},
		"icustays": {
			FilePath:   "icu/icustays.csv.gz",
			PatientID:  "subject_id",
			Timestamp:  Columns{"intime"},
			Attributes: []string{"hadm_id", "stay_id", "first_careunit", "last_careunit", "outtime"},
		},
		"diagnoses_icd": {
			FilePath:   "hosp/diagnoses_icd.csv.gz",
			PatientID:  "subject_id",
			Timestamp:  Columns{"dischtime"},
			Attributes: []string{"hadm_id", "icd_code", "icd_version", "seq_num"},
			Join:       []JoinConfig{admissionTime},
		},
		"procedures_icd": {
			FilePath:   "hosp/procedures_icd.csv.gz",
			PatientID:  "subject_id",
			Timestamp:  Columns{"chartdate"},
			Attributes: []string{"hadm_id", "icd_code", "icd_version", "seq_num"},
		},
		"prescriptions": {
			FilePath:  "hosp/prescriptions.csv.gz",
			PatientID: "subject_id",
			Timestamp: Columns{"starttime"},
			Attributes: []string{
				"hadm_id", "drug", "ndc", "prod_strength", "dose_val_rx", "dose_unit_rx", "route", "stoptime",
			},
		},
		"labevents": {
			FilePath:  "hosp/labevents.csv.gz",
			PatientID: "subject_id",
			Timestamp: Columns{"charttime"},
			Attributes: []string{
				"hadm_id", "itemid", "label", "fluid", "category", "value", "valuenum", "valueuom", "flag", "storetime",
			},
			Join: []JoinConfig{{FilePath: "hosp/d_labitems.csv.gz", On: "itemid", How: "left", Columns: []string{"label", "fluid", "category"}}},
		},
	}}
}

func EICU() Config {
	stayToPatient := JoinConfig{FilePath: "patient.csv", On: "patientunitstayid", How: "inner", Columns: []string{"uniquepid", "hospitaldischargeyear"}}
	return Config{Version: "2.0", Tables: map[string]TableConfig{
		"patient": {
			FilePath:  "patient.csv",
			PatientID: "uniquepid",
			Timestamp: Columns{"hospitaldischargeyear", "hospitaladmittime24"},
			Attributes: []string{
				"patientunitstayid", "patienthealthsystemstayid", "gender", "age", "ethnicity",
				"hospitalid", "wardid", "apacheadmissiondx", "admissionheight", "admissionweight",
				"hospitaladmitsource", "hospitaldischargestatus", "unittype", "unitadmitsource",
				"unitdischargestatus", "unitdischargeoffset",
			},
		},
		"diagnosis": {
			FilePath:   "diagnosis.csv",
			PatientID:  "uniquepid",
			Attributes: []string{"patientunitstayid", "diagnosisoffset", "diagnosisstring", "icd9code", "diagnosispriority"},
			Join:       []JoinConfig{stayToPatient},
		},
		"medication": {
			FilePath:  "medication.csv",
			PatientID: "uniquepid",
			Attributes: []string{
				"patientunitstayid", "drugstartoffset", "drugstopoffset", "drugname", "dosage", "routeadmin", "frequency",
			},
			Join: []JoinConfig{stayToPatient},
		},
		"treatment": {
			FilePath:   "treatment.csv",
			PatientID:  "uniquepid",
			Attributes: []string{"patientunitstayid", "treatmentoffset", "treatmentstring"},
			Join:       []JoinConfig{stayToPatient},
		},
		"lab": {
			FilePath:   "lab.csv",
			PatientID:  "uniquepid",
			Attributes: []string{"patientunitstayid", "labresultoffset", "labname", "labresult", "labmeasurenamesystem"},
			Join:       []JoinConfig{stayToPatient},
		},
		"physicalexam": {
			FilePath:   "physicalExam.csv",
			PatientID:  "uniquepid",
			Attributes: []string{"patientunitstayid", "physicalexamoffset", "physicalexampath", "physicalexamvalue"},
			Join:       []JoinConfig{stayToPatient},
		},
	}}
}

func OMOP() Config {
	return Config{Version: "5.3", Tables: map[string]TableConfig{
		"person": {
			FilePath:   "person.csv",
			PatientID:  "person_id",
			Timestamp:  Columns{"birth_datetime"},
			Attributes: []string{"gender_concept_id", "race_concept_id", "ethnicity_concept_id", "year_of_birth"},
		},
		"visit_occurrence": {
			FilePath:   "visit_occurrence.csv",
			PatientID:  "person_id",
			Timestamp:  Columns{"visit_start_datetime"},
			Attributes: []string{"visit_occurrence_id", "visit_concept_id", "visit_end_datetime", "visit_type_concept_id"},
		},
		"condition_occurrence": {
			FilePath:   "condition_occurrence.csv",
			PatientID:  "person_id",
			Timestamp:  Columns{"condition_start_datetime"},
			Attributes: []string{"visit_occurrence_id", "condition_concept_id", "condition_source_value", "condition_end_datetime"},
		},
		"procedure_occurrence": {
			FilePath:   "procedure_occurrence.csv",
			PatientID:  "person_id",
			Timestamp:  Columns{"procedure_datetime"},
			Attributes: []string{"visit_occurrence_id", "procedure_concept_id", "procedure_source_value"},
		},
		"drug_exposure": {
			FilePath:  "drug_exposure.csv",
			PatientID: "person_id",
			Timestamp: Columns{"drug_exposure_start_datetime"},
			Attributes: []string{
				"visit_occurrence_id", "drug_concept_id", "drug_source_value", "drug_exposure_end_datetime", "quantity",
			},
		},
		"measurement": {
			FilePath:   "measurement.csv",
			PatientID:  "person_id",
			Timestamp:  Columns{"measurement_datetime"},
			Attributes: []string{"visit_occurrence_id", "measurement_concept_id", "value_as_number", "unit_source_value"},
		},
		"death": {
			FilePath:   "death.csv",
			PatientID:  "person_id",
			Timestamp:  Columns{"death_date"},
			Attributes: []string{"death_type_concept_id", "cause_concept_id"},
		},
	}}
}

var presets = map[string]func() Config{
	"mimic3":    MIMIC3,
	"mimic4ehr": MIMIC4EHR,
	"eicu":      EICU,
	"omop":      OMOP,
}

// Preset looks a preset up by case-insensitive name.
func Preset(name string) (Config, bool) {
	fn, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Config{}, false
	}
	return fn(), true
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
